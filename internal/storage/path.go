package storage

import (
	"fmt"
	"path"
	"regexp"
	"time"
)

var pathComponentPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._ -]{0,127}$`)

// BuildArchivePath places one archived query result under a per-catalog,
// per-day layout: archives/<catalog>/<yyyy>/<mm>/<dd>/<query-id>.parquet.
func BuildArchivePath(catalog, queryID string, executedAt time.Time) (string, error) {
	if err := validatePathComponent(catalog, "catalog"); err != nil {
		return "", err
	}
	if err := validatePathComponent(queryID, "query id"); err != nil {
		return "", err
	}

	ts := executedAt.UTC()
	return path.Join(
		"archives",
		catalog,
		fmt.Sprintf("%04d", ts.Year()),
		fmt.Sprintf("%02d", ts.Month()),
		fmt.Sprintf("%02d", ts.Day()),
		queryID+".parquet",
	), nil
}

func validatePathComponent(value, field string) error {
	if !pathComponentPattern.MatchString(value) {
		return fmt.Errorf("invalid %s: %q", field, value)
	}
	return nil
}
