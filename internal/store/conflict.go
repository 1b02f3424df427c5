package store

import "gorm.io/gorm/clause"

// onConflictDoNothing builds an ON CONFLICT DO NOTHING clause over the
// given primary-key columns, used by MarkDelivery/MarkReview so a
// duplicate mark is a harmless no-op rather than a constraint error.
func onConflictDoNothing(columns ...string) clause.OnConflict {
	cols := make([]clause.Column, len(columns))
	for i, c := range columns {
		cols[i] = clause.Column{Name: c}
	}
	return clause.OnConflict{Columns: cols, DoNothing: true}
}
