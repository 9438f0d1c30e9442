package iec104

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValueConversions(t *testing.T) {
	assert.Equal(t, "ON", BoolValue(true).String())
	assert.Equal(t, "OFF", FloatValue(0).As(MSpNa1).String())
	assert.Equal(t, "75.5", FloatValue(75.5).String())

	assert.True(t, FloatValue(0.1).Bool())
	assert.Equal(t, float32(1), BoolValue(true).Float())
	assert.True(t, BoolValue(false).As(MSpNa1).IsBool())
	assert.False(t, BoolValue(false).As(MMeNc1).IsBool())
}

func TestQualityString(t *testing.T) {
	assert.Equal(t, "good", QualityGood.String())
	assert.Contains(t, (QualityInvalid | QualityNotTopical).String(), "|")
}
