package postgres

import (
	"testing"
	"time"
)

func TestNewStore_NilPool(t *testing.T) {
	if _, err := NewStore(nil, nil); err == nil {
		t.Fatal("expected error for nil pool")
	}
}

func TestPoolConfig_WithDefaults(t *testing.T) {
	tests := []struct {
		name string
		in   PoolConfig
		want PoolConfig
	}{
		{
			name: "zero value takes defaults",
			in:   PoolConfig{URL: "postgres://localhost/db"},
			want: PoolConfig{
				URL:             "postgres://localhost/db",
				ApplicationName: "stl-history",
				MaxConns:        10,
				MinConns:        2,
				MaxConnLifetime: 5 * time.Minute,
				MaxConnIdleTime: time.Minute,
				ConnectTimeout:  10 * time.Second,
			},
		},
		{
			name: "min is capped at max",
			in:   PoolConfig{MaxConns: 1, MinConns: 4, ApplicationName: "migrate"},
			want: PoolConfig{
				ApplicationName: "migrate",
				MaxConns:        1,
				MinConns:        1,
				MaxConnLifetime: 5 * time.Minute,
				MaxConnIdleTime: time.Minute,
				ConnectTimeout:  10 * time.Second,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.in.withDefaults(); got != tt.want {
				t.Errorf("expected %+v, got %+v", tt.want, got)
			}
		})
	}
}

func TestOpenPool_BadURL(t *testing.T) {
	if _, err := OpenPool(t.Context(), PoolConfig{URL: "postgres://user@localhost:notaport/db"}); err == nil {
		t.Fatal("expected error for unparsable URL")
	}
}
