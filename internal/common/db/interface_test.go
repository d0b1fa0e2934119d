package db

import (
	"database/sql"
	"testing"
	"time"
)

func TestConvertTxOptionsNil(t *testing.T) {
	t.Parallel()
	if got := ConvertTxOptions(nil); got != nil {
		t.Fatalf("expected nil, got %+v", got)
	}
}

func TestConvertTxOptions(t *testing.T) {
	t.Parallel()
	opts := &TxOptions{Isolation: sql.LevelSerializable, ReadOnly: true}
	got := ConvertTxOptions(opts)
	if got == nil {
		t.Fatal("expected non-nil result")
	}
	if got.Isolation != sql.LevelSerializable || !got.ReadOnly {
		t.Fatalf("unexpected conversion: %+v", got)
	}
}

func TestConvertSQLStats(t *testing.T) {
	t.Parallel()
	src := sql.DBStats{
		OpenConnections:   5,
		InUse:             2,
		Idle:              3,
		WaitCount:         7,
		WaitDuration:      250 * time.Millisecond,
		MaxIdleClosed:     1,
		MaxLifetimeClosed: 4,
	}
	got := ConvertSQLStats(src)
	want := Stats{
		OpenConnections:   5,
		InUse:             2,
		Idle:              3,
		WaitCount:         7,
		WaitDuration:      250 * time.Millisecond,
		MaxIdleClosed:     1,
		MaxLifetimeClosed: 4,
	}
	if got != want {
		t.Fatalf("ConvertSQLStats() = %+v, want %+v", got, want)
	}
}
