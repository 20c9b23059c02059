package feed

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	require.NoError(t, config.Validate())
	assert.True(t, config.DecimalComma)
	assert.True(t, config.SkipInvalidRows)
	assert.Contains(t, config.DateFormats, "02/01/2006")
	assert.Contains(t, config.DateFormats, "2006-01-02")
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "default is valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "no date formats",
			mutate:  func(c *Config) { c.DateFormats = nil },
			wantErr: "at least one date format",
		},
		{
			name:    "negative max errors",
			mutate:  func(c *Config) { c.MaxErrors = -1 },
			wantErr: "cannot be negative",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)

			err := config.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestGetColumnName(t *testing.T) {
	config := DefaultConfig()
	config.ColumnAliases["amount"] = "Importo"

	assert.Equal(t, "Importo", config.GetColumnName("amount"))
	assert.Equal(t, "reference", config.GetColumnName("reference"))
}

func TestNormalizeHeader(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Data Documento", "data_documento"},
		{"data_documento", "data_documento"},
		{"DATA-DOCUMENTO", "data_documento"},
		{"  Importo ", "importo"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, normalizeHeader(tt.in), "header %q", tt.in)
	}
}
