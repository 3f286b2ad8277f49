package slides

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"
)

var (
	// ErrNotFound is returned for unknown slide ids.
	ErrNotFound = errors.New("slides: slide not found")
	// ErrInvalid is returned for records that cannot be stored.
	ErrInvalid = errors.New("slides: invalid slide")
)

// Revoker releases thumbnail references the store no longer points at.
type Revoker interface {
	Revoke(ctx context.Context, ref string) error
}

// ThumbnailUpdate is a finished thumbnail job for one slide. PreviousRef is
// the reference the job saw when it started. SourceUpdatedAt is the UpdatedAt
// of the record that was rendered; zero means unknown.
type ThumbnailUpdate struct {
	SlideID         string    `json:"slideId"`
	Ref             string    `json:"ref"`
	PreviousRef     string    `json:"previousRef,omitempty"`
	Revision        int       `json:"revision"`
	UpdatedAt       time.Time `json:"updatedAt"`
	SourceUpdatedAt time.Time `json:"sourceUpdatedAt,omitzero"`
}

// Store owns the host's slide records. Records keep their identity across
// upserts, so pointer-keyed consumers see the same slide object each time.
type Store struct {
	revoker Revoker
	logger  *slog.Logger
	now     func() time.Time

	mu     sync.RWMutex
	slides map[string]*Slide
}

// NewStore builds an empty store. revoker may be nil when thumbnails are not
// backed by revocable references.
func NewStore(revoker Revoker, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Store{
		revoker: revoker,
		logger:  logger.With(slog.String("agent", "slide_store")),
		now:     time.Now,
		slides:  make(map[string]*Slide),
	}
}

// Upsert inserts or replaces records. Thumbnail fields are owned by the store
// and survive replacement; a zero UpdatedAt is set to now.
func (s *Store) Upsert(records ...Slide) ([]Slide, error) {
	for _, rec := range records {
		if strings.TrimSpace(rec.ID) == "" {
			return nil, fmt.Errorf("%w: id required", ErrInvalid)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Slide, 0, len(records))
	for _, rec := range records {
		rec = rec.Clone()
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = s.now().UTC()
		}
		if rec.Seed == "" {
			rec.Seed = rec.ID
		}
		if existing, ok := s.slides[rec.ID]; ok {
			rec.ThumbnailRef = existing.ThumbnailRef
			rec.ThumbnailUpdatedAt = existing.ThumbnailUpdatedAt
			rec.Revision = max(rec.Revision, existing.Revision)
			*existing = rec
			out = append(out, existing.Clone())
			continue
		}
		rec.ThumbnailRef = ""
		rec.ThumbnailUpdatedAt = time.Time{}
		stored := rec
		s.slides[rec.ID] = &stored
		out = append(out, stored.Clone())
	}
	return out, nil
}

// Get returns a copy of the record.
func (s *Store) Get(id string) (Slide, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	slide, ok := s.slides[id]
	if !ok {
		return Slide{}, false
	}
	return slide.Clone(), true
}

// List returns copies of every record ordered by id.
func (s *Store) List() []Slide {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Slide, 0, len(s.slides))
	for _, slide := range s.slides {
		out = append(out, slide.Clone())
	}
	slices.SortFunc(out, func(a, b Slide) int { return strings.Compare(a.ID, b.ID) })
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.slides)
}

// View calls fn with the stored records grouped by sheet while holding the
// read lock. fn must not keep the pointers or modify the records.
func (s *Store) View(fn func(bySheet map[string][]*Slide)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bySheet := make(map[string][]*Slide)
	for _, slide := range s.slides {
		bySheet[slide.SheetID] = append(bySheet[slide.SheetID], slide)
	}
	fn(bySheet)
}

// Detached is a thumbnail reference taken off a record. The holder owns
// revoking it.
type Detached struct {
	SlideID   string
	Ref       string
	UpdatedAt time.Time
}

// DetachThumbnail clears the record's thumbnail fields and returns what it
// held. Ref is empty when the record had no thumbnail.
func (s *Store) DetachThumbnail(id string) (Slide, Detached, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slide, ok := s.slides[id]
	if !ok {
		return Slide{}, Detached{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	d := detach(slide)
	return slide.Clone(), d, nil
}

// DetachThumbnails clears every record's thumbnail and returns the references
// that were held, ordered by slide id.
func (s *Store) DetachThumbnails() []Detached {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Detached
	for _, slide := range s.slides {
		if d := detach(slide); d.Ref != "" {
			out = append(out, d)
		}
	}
	slices.SortFunc(out, func(a, b Detached) int { return strings.Compare(a.SlideID, b.SlideID) })
	return out
}

// ReattachThumbnail puts back a detached reference whose revoke failed. It
// reports false when the record is gone or gained a thumbnail meanwhile.
func (s *Store) ReattachThumbnail(d Detached) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	slide, ok := s.slides[d.SlideID]
	if !ok || slide.ThumbnailRef != "" {
		return false
	}
	slide.ThumbnailRef = d.Ref
	slide.ThumbnailUpdatedAt = d.UpdatedAt
	return true
}

func detach(slide *Slide) Detached {
	d := Detached{SlideID: slide.ID, Ref: slide.ThumbnailRef, UpdatedAt: slide.ThumbnailUpdatedAt}
	slide.ThumbnailRef = ""
	slide.ThumbnailUpdatedAt = time.Time{}
	return d
}

// Delete removes a record and revokes its thumbnail reference.
func (s *Store) Delete(ctx context.Context, id string) (*Slide, error) {
	s.mu.Lock()
	slide, ok := s.slides[id]
	delete(s.slides, id)
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err := s.revoke(ctx, slide.ThumbnailRef); err != nil {
		return slide, err
	}
	return slide, nil
}

// ApplyThumbnail stores a finished thumbnail and revokes whatever reference it
// replaces. Updates for deleted slides revoke the new reference instead. When
// the record changed after the rendered source, the thumbnail is stamped with
// the source time so it stays stale.
func (s *Store) ApplyThumbnail(ctx context.Context, u ThumbnailUpdate) (Slide, error) {
	s.mu.Lock()
	slide, ok := s.slides[u.SlideID]
	if !ok {
		s.mu.Unlock()
		if err := s.revoke(ctx, u.Ref); err != nil {
			s.logger.Warn("orphaned thumbnail not revoked", slog.String("ref", u.Ref), slog.Any("error", err))
		}
		return Slide{}, fmt.Errorf("%w: %s", ErrNotFound, u.SlideID)
	}
	replaced := slide.ThumbnailRef
	slide.ThumbnailRef = u.Ref
	slide.ThumbnailUpdatedAt = u.UpdatedAt
	if !u.SourceUpdatedAt.IsZero() && slide.UpdatedAt.After(u.SourceUpdatedAt) {
		slide.ThumbnailUpdatedAt = u.SourceUpdatedAt
	}
	slide.Revision = max(slide.Revision+1, u.Revision)
	out := slide.Clone()
	s.mu.Unlock()

	if replaced != u.PreviousRef {
		s.logger.Debug("thumbnail replaced a newer reference",
			slog.String("slide_id", u.SlideID),
			slog.String("expected", u.PreviousRef),
			slog.String("replaced", replaced),
		)
	}
	if replaced != "" && replaced != u.Ref {
		if err := s.revoke(ctx, replaced); err != nil {
			return out, err
		}
	}
	return out, nil
}

func (s *Store) revoke(ctx context.Context, ref string) error {
	if ref == "" || s.revoker == nil {
		return nil
	}
	if err := s.revoker.Revoke(ctx, ref); err != nil {
		return fmt.Errorf("slides: revoke %s: %w", ref, err)
	}
	return nil
}
