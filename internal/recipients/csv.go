// Package recipients resolves evaluation recipient lists from CSV uploads or
// explicit assignment and holds them in a session-scoped buffer. Recipient
// data is deliberately kept out of the durable session store.
package recipients

import (
	"encoding/csv"
	"fmt"
	"io"
	"regexp"
	"strings"
)

type Recipient struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Set is a resolved recipient list with its provenance.
type Set struct {
	Recipients []Recipient `json:"recipients"`
	Source     string      `json:"source"` // "csv" or "assigned"
}

func (s Set) Count() int {
	return len(s.Recipients)
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// ImportError aggregates every violation in a rejected batch. Imports are
// all-or-nothing: one bad row rejects the whole file.
type ImportError struct {
	Violations []string
}

func (e *ImportError) Error() string {
	return fmt.Sprintf("csv import rejected: %s", strings.Join(e.Violations, "; "))
}

// ParseCSV reads a comma-delimited recipient file. Required header columns
// are name and email, matched case-insensitively; extra columns are ignored.
func ParseCSV(r io.Reader) (Set, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err == io.EOF {
		return Set{}, &ImportError{Violations: []string{"file is empty"}}
	}
	if err != nil {
		return Set{}, fmt.Errorf("read csv header: %w", err)
	}

	nameCol, emailCol := -1, -1
	for i, col := range header {
		switch strings.ToLower(strings.TrimSpace(col)) {
		case "name":
			nameCol = i
		case "email":
			emailCol = i
		}
	}

	var violations []string
	if nameCol < 0 {
		violations = append(violations, `missing required header column "name"`)
	}
	if emailCol < 0 {
		violations = append(violations, `missing required header column "email"`)
	}
	if len(violations) > 0 {
		return Set{}, &ImportError{Violations: violations}
	}

	var recipients []Recipient
	seen := make(map[string]int)
	row := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return Set{}, fmt.Errorf("read csv row %d: %w", row+1, err)
		}
		row++

		if nameCol >= len(record) || emailCol >= len(record) {
			violations = append(violations, fmt.Sprintf("row %d: missing name or email field", row))
			continue
		}

		name := strings.TrimSpace(record[nameCol])
		email := strings.ToLower(strings.TrimSpace(record[emailCol]))

		if name == "" {
			violations = append(violations, fmt.Sprintf("row %d: name is empty", row))
		}
		if !emailPattern.MatchString(email) {
			violations = append(violations, fmt.Sprintf("row %d: invalid email %q", row, email))
		} else if prev, dup := seen[email]; dup {
			violations = append(violations, fmt.Sprintf("row %d: duplicate email %q (first seen on row %d)", row, email, prev))
		} else {
			seen[email] = row
		}

		recipients = append(recipients, Recipient{Name: name, Email: email})
	}

	if len(violations) > 0 {
		return Set{}, &ImportError{Violations: violations}
	}
	if len(recipients) == 0 {
		return Set{}, &ImportError{Violations: []string{"file has no recipient rows"}}
	}

	return Set{Recipients: recipients, Source: "csv"}, nil
}
