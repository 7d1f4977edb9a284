package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampLimit(t *testing.T) {
	testCases := []struct {
		name  string
		limit int
		want  int
	}{
		{"zero uses default", 0, 30},
		{"negative uses default", -5, 30},
		{"over max", 500, 100},
		{"within range", 10, 10},
		{"exactly max", 100, 100},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClampLimit(tc.limit, 30, 100))
		})
	}
}
