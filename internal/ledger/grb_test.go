package ledger

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestGRBStore_Append_CopyForward(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	store := NewGRBStore(db)
	ctx := context.Background()
	trigTime := time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT thread_ts, reception_count FROM grb_alerts").
		WithArgs("1293321").
		WillReturnRows(sqlmock.NewRows([]string{"thread_ts", "reception_count"}).
			AddRow("1730000000.000100", 1))
	mock.ExpectQuery("INSERT INTO grb_alerts").
		WithArgs("1293321", "Swift", 67, 188.4, -32.1, 0.05, trigTime, 2,
			sql.NullString{String: "1730000000.000100", Valid: true}, []byte("<VOEvent/>")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).
			AddRow(int64(12), time.Now()))
	mock.ExpectCommit()

	row, err := store.Append(ctx, GRBReception{
		TriggerID:   "1293321",
		Mission:     "Swift",
		PacketType:  67,
		RA:          188.4,
		Dec:         -32.1,
		ErrorDeg:    0.05,
		TriggerTime: trigTime,
		Payload:     []byte("<VOEvent/>"),
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if row.ReceptionCount != 2 {
		t.Errorf("ReceptionCount = %d, want 2", row.ReceptionCount)
	}
	if row.ThreadTS != "1730000000.000100" {
		t.Errorf("ThreadTS = %q, want carried thread", row.ThreadTS)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGRBStore_Append_ZeroTriggerTimeStoredAsNull(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	store := NewGRBStore(db)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery("SELECT thread_ts, reception_count FROM grb_alerts").
		WithArgs("sb25031401").
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery("INSERT INTO grb_alerts").
		WithArgs("sb25031401", "SVOM", 202, 10.0, 20.0, 0.1, nil, 1,
			sql.NullString{}, []byte("<VOEvent/>")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).
			AddRow(int64(1), time.Now()))
	mock.ExpectCommit()

	_, err = store.Append(ctx, GRBReception{
		TriggerID:  "sb25031401",
		Mission:    "SVOM",
		PacketType: 202,
		RA:         10.0,
		Dec:        20.0,
		ErrorDeg:   0.1,
		Payload:    []byte("<VOEvent/>"),
	})
	if err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestGRBStore_FirstByPacketType(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	store := NewGRBStore(db)
	ctx := context.Background()

	cols := []string{"id", "trigger_id", "mission", "packet_type", "ra", "dec",
		"error_deg", "trigger_time", "reception_count", "thread_ts", "payload_xml", "created_at"}
	mock.ExpectQuery("SELECT (.+) FROM grb_alerts").
		WithArgs("1293321", 61).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(int64(3), "1293321", "Swift", 61, 188.4, -32.1, 0.05,
				time.Now(), 1, "", []byte("<VOEvent/>"), time.Now()))

	row, err := store.FirstByPacketType(ctx, "1293321", 61)
	if err != nil {
		t.Fatalf("FirstByPacketType() error = %v", err)
	}
	if row == nil || row.PacketType != 61 {
		t.Fatalf("FirstByPacketType() = %+v, want BAT row", row)
	}

	mock.ExpectQuery("SELECT (.+) FROM grb_alerts").
		WithArgs("1293321", 81).
		WillReturnError(sql.ErrNoRows)
	row, err = store.FirstByPacketType(ctx, "1293321", 81)
	if err != nil {
		t.Fatalf("FirstByPacketType() error = %v", err)
	}
	if row != nil {
		t.Errorf("FirstByPacketType() = %+v, want nil for absent packet", row)
	}
}
