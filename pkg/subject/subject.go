// Package subject models the Subject Application: the generated web
// application under analysis, identified by (model_identifier, app_number),
// owning a filesystem directory and a pair of allocated TCP ports. The
// package holds pure domain logic (slug normalisation, grace-period
// eligibility, port-range allocation); persistence lives behind the
// Store interface below, implemented in pkg/store, so this package stays free of any database
// dependency.
package subject

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/forgebench/anacore/pkg/ids"
)

// ErrNotFound indicates a subject does not exist in the store.
var ErrNotFound = errors.New("subject not found")

// Store persists Subject Applications, including the port-allocation table
// that backs PortAllocator.
//
// Store implementations must make port allocation transactional: Create
// must fail rather than allocate two subjects the same port, even under
// concurrent callers across processes.
type Store interface {
	// Create inserts a new subject with its allocated ports.
	Create(ctx context.Context, s Subject) error
	// Get loads a subject by ID. Returns ErrNotFound when missing.
	Get(ctx context.Context, id ids.SubjectID) (Subject, error)
	// GetByKey loads a subject by its natural (model_identifier, app_number)
	// key. Returns ErrNotFound when missing.
	GetByKey(ctx context.Context, modelIdentifier string, appNumber int) (Subject, error)
	// Update persists a full subject record (e.g. to set MissingSince,
	// DeletedAt, or clear MissingSince on directory restoration).
	Update(ctx context.Context, s Subject) error
	// ListNotDeleted lists every subject that has not been deleted, for the
	// maintenance sweep and the port allocator.
	ListNotDeleted(ctx context.Context) ([]Subject, error)
	// UsedPorts returns every port currently allocated to a non-deleted
	// subject, read within the same transaction a caller uses to allocate a
	// new pair, to satisfy the port-disjointness invariant.
	UsedPorts(ctx context.Context) (map[int]struct{}, error)
}

// DefaultGracePeriod is the interval a missing subject's record is retained
// before the maintenance sweep deletes it, absent directory restoration.
const DefaultGracePeriod = 7 * 24 * time.Hour

// Subject is a generated web application under analysis.
type Subject struct {
	ID              ids.SubjectID
	ModelIdentifier string
	AppNumber       int
	DirectoryPath   string
	BackendPort     int
	FrontendPort    int
	CreatedAt       time.Time
	MissingSince    *time.Time
	DeletedAt       *time.Time
}

// Key returns the (model_identifier, app_number) natural key used for
// lookups, logging, and the content-addressed result store layout.
func (s Subject) Key() string {
	return fmt.Sprintf("%s/app%d", s.ModelIdentifier, s.AppNumber)
}

// IsDeleted reports whether the subject has been removed, explicitly or by
// grace-period expiry.
func (s Subject) IsDeleted() bool { return s.DeletedAt != nil }

// IsMissing reports whether the subject's directory is currently absent.
func (s Subject) IsMissing() bool { return s.MissingSince != nil && s.DeletedAt == nil }

// EligibleForPurge reports whether a subject missing since MissingSince has
// been absent longer than grace, and so should be deleted by the next
// maintenance sweep. A grace value of zero or less uses DefaultGracePeriod.
func (s Subject) EligibleForPurge(now time.Time, grace time.Duration) bool {
	if s.MissingSince == nil || s.DeletedAt != nil {
		return false
	}
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	return now.Sub(*s.MissingSince) >= grace
}

var (
	providerPrefix  = regexp.MustCompile(`^[a-zA-Z0-9_.-]+/`)
	tagSuffix       = regexp.MustCompile(`[:@][a-zA-Z0-9_.-]+$`)
	nonSlugRunChars = regexp.MustCompile(`[^a-z0-9]+`)
	trimUnderscores = regexp.MustCompile(`^_+|_+$`)
)

// NormalizeModelIdentifier case-folds a raw model identifier, strips a
// leading provider-qualified prefix (e.g. "anthropic/claude-3-opus" ->
// "claude-3-opus") and a trailing tag/variant suffix introduced by ":" or
// "@" (e.g. "gpt-4o:2024-08-06" -> "gpt-4o"), then maps every remaining run
// of punctuation to a single underscore so the result is safe to use as a
// filesystem path component and a database key.
func NormalizeModelIdentifier(raw string) string {
	id := strings.ToLower(strings.TrimSpace(raw))
	id = providerPrefix.ReplaceAllString(id, "")
	id = tagSuffix.ReplaceAllString(id, "")
	id = nonSlugRunChars.ReplaceAllString(id, "_")
	id = trimUnderscores.ReplaceAllString(id, "")
	return id
}

// PortAllocator assigns non-overlapping backend/frontend port pairs to
// subjects from a fixed range, guaranteeing the invariant that a port
// assigned to one non-deleted subject is never simultaneously assigned to
// another: callers must supply the full set of ports currently in use by
// non-deleted subjects, read and allocated within a single store
// transaction, to avoid a race between two executors allocating the same
// port to different applications.
type PortAllocator struct {
	RangeStart int
	RangeEnd   int
}

// ErrPortRangeExhausted is returned when no free port pair remains in range.
type ErrPortRangeExhausted struct{}

func (ErrPortRangeExhausted) Error() string { return "port range exhausted" }

// NextAvailablePair returns the first available backend/frontend port pair
// not present in used, scanning the configured range in order so allocation
// is deterministic and easy to reason about in tests.
func (a PortAllocator) NextAvailablePair(used map[int]struct{}) (backend, frontend int, err error) {
	backend, err = a.nextAvailable(used, a.RangeStart)
	if err != nil {
		return 0, 0, err
	}
	frontend, err = a.nextAvailable(used, backend+1)
	if err != nil {
		return 0, 0, err
	}
	return backend, frontend, nil
}

func (a PortAllocator) nextAvailable(used map[int]struct{}, from int) (int, error) {
	for p := from; p <= a.RangeEnd; p++ {
		if _, taken := used[p]; !taken {
			return p, nil
		}
	}
	return 0, ErrPortRangeExhausted{}
}
