package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseYearFlag(t *testing.T) {
	assert.Equal(t, YearFlagYes, ParseYearFlag("yes"))
	assert.Equal(t, YearFlagYes, ParseYearFlag("true"))
	assert.Equal(t, YearFlagYes, ParseYearFlag("1"))
	assert.Equal(t, YearFlagNo, ParseYearFlag("no"))
	assert.Equal(t, YearFlagNo, ParseYearFlag("false"))
	assert.Equal(t, YearFlagNo, ParseYearFlag("0"))
	assert.Equal(t, YearFlagUnset, ParseYearFlag(""))
	assert.Equal(t, YearFlagUnset, ParseYearFlag("maybe"))
}

func TestVespaComponents_Value(t *testing.T) {
	c := VespaComponents{Vision: 1, Effort: 2, Systems: 3, Practice: 4, Attitude: 5, Overall: 6.5}
	assert.Equal(t, 1.0, c.Value(ElementVision))
	assert.Equal(t, 2.0, c.Value(ElementEffort))
	assert.Equal(t, 3.0, c.Value(ElementSystems))
	assert.Equal(t, 4.0, c.Value(ElementPractice))
	assert.Equal(t, 5.0, c.Value(ElementAttitude))
	assert.Equal(t, 6.5, c.Value(ElementOverall))
	assert.Equal(t, 0.0, c.Value(Element("bogus")))
}

func TestValidateVespaComponents(t *testing.T) {
	valid := VespaComponents{Vision: 1, Effort: 2, Systems: 3, Practice: 4, Attitude: 5, Overall: 6.5}
	assert.NoError(t, ValidateVespaComponents(valid))

	nonInteger := valid
	nonInteger.Vision = 1.5
	assert.Error(t, ValidateVespaComponents(nonInteger))

	outOfRange := valid
	outOfRange.Effort = 11
	assert.Error(t, ValidateVespaComponents(outOfRange))

	overallOutOfRange := valid
	overallOutOfRange.Overall = 0.5
	assert.Error(t, ValidateVespaComponents(overallOutOfRange))

	// Overall may be decimal as long as it's within range.
	overallDecimal := valid
	overallDecimal.Overall = 7.25
	assert.NoError(t, ValidateVespaComponents(overallDecimal))
}

func TestValidateResponseValue(t *testing.T) {
	assert.NoError(t, ValidateResponseValue(1))
	assert.NoError(t, ValidateResponseValue(5))
	assert.Error(t, ValidateResponseValue(0))
	assert.Error(t, ValidateResponseValue(6))
}
