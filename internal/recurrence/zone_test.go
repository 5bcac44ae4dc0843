package recurrence

import (
	"testing"
	"time"
)

func TestResolve(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		zone string
		date Date
		tod  TimeOfDay
		want time.Time
	}{
		{"utc", "UTC", Date{2024, time.June, 1}, TimeOfDay{9, 0}, utc(2024, 6, 1, 9, 0)},
		{"plain winter", "America/New_York", Date{2024, time.January, 15}, TimeOfDay{9, 0}, utc(2024, 1, 15, 14, 0)},
		{"plain summer", "America/New_York", Date{2024, time.July, 15}, TimeOfDay{9, 0}, utc(2024, 7, 15, 13, 0)},
		{"gap shifts forward", "America/New_York", Date{2024, time.March, 10}, TimeOfDay{2, 30}, utc(2024, 3, 10, 7, 30)},
		{"gap start", "America/New_York", Date{2024, time.March, 10}, TimeOfDay{2, 0}, utc(2024, 3, 10, 7, 0)},
		{"after gap", "America/New_York", Date{2024, time.March, 10}, TimeOfDay{3, 0}, utc(2024, 3, 10, 7, 0)},
		{"overlap earlier", "America/New_York", Date{2024, time.November, 3}, TimeOfDay{1, 30}, utc(2024, 11, 3, 5, 30)},
		{"berlin gap", "Europe/Berlin", Date{2024, time.March, 31}, TimeOfDay{2, 15}, utc(2024, 3, 31, 1, 15)},
		{"berlin overlap", "Europe/Berlin", Date{2024, time.October, 27}, TimeOfDay{2, 15}, utc(2024, 10, 27, 0, 15)},
		{"half hour gap", "Australia/Lord_Howe", Date{2024, time.October, 6}, TimeOfDay{2, 15}, utc(2024, 10, 5, 15, 45)},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Resolve(tt.date, tt.tod, mustLoc(t, tt.zone))
			if !got.Equal(tt.want) {
				t.Fatalf("Resolve = %v (%v), want %v", got, got.UTC(), tt.want)
			}
			if got.Location().String() != tt.zone {
				t.Fatalf("location = %v, want %s", got.Location(), tt.zone)
			}
		})
	}
}
