package state

import "fmt"

// Application keys shared by the CLI views.
const (
	KeyCurrentPage    = "pagination.currentPage"
	KeyCurrentLimit   = "pagination.currentLimit"
	KeyTotalRecords   = "pagination.totalRecords"
	KeyLoading        = "ui.isLoading"
	KeySortColumn     = "table.sortColumn"
	KeySortDirection  = "table.sortDirection"
	KeyFilterSymbol   = "filters.symbol"
	KeyFilterPeriod   = "filters.period"
	KeyFilterInterval = "filters.interval"
	KeyPushConnected  = "push.connected"
)

// Defaults returns the initial application state.
func Defaults() map[string]any {
	return map[string]any{
		KeyCurrentPage:    0,
		KeyCurrentLimit:   25,
		KeyTotalRecords:   0,
		KeyLoading:        false,
		KeySortColumn:     nil,
		KeySortDirection:  "asc",
		KeyFilterSymbol:   "",
		KeyFilterPeriod:   "1mo",
		KeyFilterInterval: "1d",
		KeyPushConnected:  false,
	}
}

// SeedDefaults writes Defaults for every key the store does not hold yet.
// Restored values win over defaults.
func SeedDefaults(s *Store) error {
	missing := make(map[string]any)
	for k, v := range Defaults() {
		if !s.Has(k) {
			missing[k] = v
		}
	}
	if len(missing) == 0 {
		return nil
	}
	return s.SetMultiple(missing, true)
}

// UpdatePagination sets the page, page size and total in one batch.
func UpdatePagination(s *Store, page, limit, total int) error {
	return s.SetMultiple(map[string]any{
		KeyCurrentPage:  page,
		KeyCurrentLimit: limit,
		KeyTotalRecords: total,
	}, true)
}

// UpdateSort sets the sort column and direction ("asc" or "desc").
func UpdateSort(s *Store, column, direction string) error {
	if direction != "asc" && direction != "desc" {
		return fmt.Errorf("invalid sort direction %q", direction)
	}
	return s.SetMultiple(map[string]any{
		KeySortColumn:    column,
		KeySortDirection: direction,
	}, true)
}

// UpdateFilters stores each filter under "filters.<name>".
func UpdateFilters(s *Store, filters map[string]string) error {
	updates := make(map[string]any, len(filters))
	for k, v := range filters {
		updates["filters."+k] = v
	}
	return s.SetMultiple(updates, true)
}

// SetLoading toggles the loading flag. It is never persisted.
func SetLoading(s *Store, loading bool) error {
	return s.Set(KeyLoading, loading, false)
}

// SetPushConnected records whether the push channel is up. It is never
// persisted.
func SetPushConnected(s *Store, connected bool) error {
	return s.Set(KeyPushConnected, connected, false)
}
