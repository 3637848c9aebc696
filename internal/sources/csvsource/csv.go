// Package csvsource reads the authoritative user set from a
// header-bearing CSV roster file, read eagerly into memory.
package csvsource

import (
	"context"
	"encoding/csv"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"

	"github.com/famedly/sync/internal/errtypes"
	"github.com/famedly/sync/internal/sources"
	"github.com/famedly/sync/internal/syncuser"
)

var requiredColumns = []string{"email", "first_name", "last_name", "localpart"}

// Source reads users from a CSV roster. It always claims presence
// authority: a user absent from the roster is deleted.
type Source struct {
	filePath string
	err      error
}

// New returns a Source reading filePath. The file is not opened until
// Users is called.
func New(filePath string) *Source {
	return &Source{filePath: filePath}
}

// DeletesByAbsence is always true for the CSV source: it is the full
// authoritative roster on every run.
func (s *Source) DeletesByAbsence() bool { return true }

// Err returns the fatal error that ended the Users() stream early, if
// any. Only valid after the channel returned by Users() is closed.
func (s *Source) Err() error { return s.err }

// Users reads the whole file, decodes every row, and streams the
// result. Rows with a duplicate email or missing mandatory field are
// reported as per-record errors; a malformed file (missing header,
// unreadable) is a fatal SourceUnavailable error.
func (s *Source) Users(ctx context.Context) <-chan sources.Result {
	out := make(chan sources.Result, 64)

	go func() {
		defer close(out)

		rows, header, err := s.readAll()
		if err != nil {
			s.err = err
			return
		}

		idx, err := columnIndex(header)
		if err != nil {
			s.err = err
			return
		}

		seenEmail := map[string]bool{}
		seenLocalpart := map[string]bool{}

		for _, row := range rows {
			user, rerr := decodeRow(row, idx, seenEmail, seenLocalpart)
			var result sources.Result
			if rerr != nil {
				result = sources.Result{Err: rerr}
			} else {
				result = sources.Result{User: user}
			}
			select {
			case out <- result:
			case <-ctx.Done():
				s.err = ctx.Err()
				return
			}
		}
	}()

	return out
}

func (s *Source) readAll() ([][]string, []string, error) {
	f, err := os.Open(s.filePath)
	if err != nil {
		return nil, nil, errtypes.New(errtypes.SourceUnavailable, errors.Wrapf(err, "opening csv roster %s", s.filePath))
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	header, err := r.Read()
	if err != nil {
		return nil, nil, errtypes.New(errtypes.SourceUnavailable, errors.Wrap(err, "reading csv header"))
	}

	var rows [][]string
	for {
		row, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, errtypes.New(errtypes.SourceUnavailable, errors.Wrap(err, "reading csv row"))
		}
		rows = append(rows, row)
	}

	return rows, header, nil
}

func columnIndex(header []string) (map[string]int, error) {
	idx := make(map[string]int, len(header))
	for i, name := range header {
		idx[strings.TrimSpace(strings.ToLower(name))] = i
	}
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, errtypes.New(errtypes.SourceUnavailable, errors.Errorf("csv roster missing required column %q", col))
		}
	}
	return idx, nil
}

func decodeRow(row []string, idx map[string]int, seenEmail, seenLocalpart map[string]bool) (syncuser.User, error) {
	get := func(col string) string {
		i, ok := idx[col]
		if !ok || i >= len(row) {
			return ""
		}
		return strings.TrimSpace(row[i])
	}

	email := get("email")
	firstName := get("first_name")
	lastName := get("last_name")
	localpart := get("localpart")
	phone := get("phone")

	if email == "" || firstName == "" || lastName == "" || localpart == "" {
		return syncuser.User{}, errtypes.New(errtypes.PerUser, errors.Errorf("csv row missing a mandatory field: %v", row))
	}
	if seenEmail[email] {
		return syncuser.User{}, errtypes.New(errtypes.PerUser, errors.Errorf("duplicate csv email %q", email))
	}
	if seenLocalpart[localpart] {
		return syncuser.User{}, errtypes.New(errtypes.PerUser, errors.Errorf("duplicate csv localpart %q", localpart))
	}
	seenEmail[email] = true
	seenLocalpart[localpart] = true

	return syncuser.User{
		ExternalID:  []byte(localpart),
		FirstName:   firstName,
		LastName:    lastName,
		DisplayName: firstName + " " + lastName,
		Email:       email,
		Phone:       phone,
		Localpart:   localpart,
		Enabled:     true,
	}, nil
}
