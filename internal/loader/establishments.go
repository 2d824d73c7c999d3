package loader

import (
	"context"
	"database/sql"

	"github.com/mind-engage/vespa-sync/internal/model"
)

// UpsertEstablishments' conflict key is external_id (spec §4.4).
func (l *Loader) UpsertEstablishments(ctx context.Context, rows []model.Establishment) Result {
	keyFn := func(e model.Establishment) string { return e.ExternalID }
	exec := func(ctx context.Context, tx *sql.Tx, e model.Establishment) (bool, error) {
		existed, err := rowExists(ctx, tx, `SELECT 1 FROM establishments WHERE external_id=$1`, e.ExternalID)
		if err != nil {
			return false, err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO establishments (external_id, name, trust, is_australian, use_standard_year)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (external_id) DO UPDATE SET
				name=EXCLUDED.name, trust=EXCLUDED.trust,
				is_australian=EXCLUDED.is_australian, use_standard_year=EXCLUDED.use_standard_year
		`, e.ExternalID, e.Name, e.Trust, e.IsAustralian, yearFlagString(e.UseStandardYear))
		if err != nil {
			return false, err
		}
		return !existed, nil
	}
	return upsertBatch(ctx, l, "establishment", rows, keyFn, exec)
}

func yearFlagString(f model.YearFlag) string {
	switch f {
	case model.YearFlagYes:
		return "yes"
	case model.YearFlagNo:
		return "no"
	default:
		return "unset"
	}
}
