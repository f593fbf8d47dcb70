package search

import (
	"context"

	"github.com/rs/zerolog"

	"inkwell/api/internal/store"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts Searcher
	log   zerolog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS, log zerolog.Logger) *Service {
	s := &Service{meili: meili, log: log}
	if pgfts != nil {
		s.pgfts = pgfts
	}
	return s
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meiliReady() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		s.log.Warn().Err(err).Msg("meilisearch error, falling back to pgfts")
	}

	if s.pgfts == nil {
		return Response{Results: []Result{}, Query: q.Text}
	}
	results, total, err := s.pgfts.Search(q)
	if err != nil {
		s.log.Error().Err(err).Msg("pgfts search")
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexComment indexes a comment (fire-and-forget to Meilisearch).
func (s *Service) IndexComment(c store.Comment) {
	if !s.meiliReady() {
		return
	}
	record := RecordFromComment(c)
	go func() {
		if err := s.meili.IndexComments([]CommentRecord{record}); err != nil {
			s.log.Warn().Err(err).Str("comment_id", record.ID).Msg("index comment")
		}
	}()
}

// UpdateStatus mirrors a status change into the index (fire-and-forget).
func (s *Service) UpdateStatus(ids []string, status string) {
	if !s.meiliReady() || len(ids) == 0 {
		return
	}
	ids = append([]string(nil), ids...)
	go func() {
		if err := s.meili.UpdateStatus(ids, status); err != nil {
			s.log.Warn().Err(err).Int("count", len(ids)).Msg("update indexed status")
		}
	}()
}

// DeleteComment removes a comment from the search index (fire-and-forget).
func (s *Service) DeleteComment(id string) {
	if !s.meiliReady() {
		return
	}
	go func() {
		if err := s.meili.DeleteComment(id); err != nil {
			s.log.Warn().Err(err).Str("comment_id", id).Msg("delete indexed comment")
		}
	}()
}

// ReindexAllFromPG pushes every stored comment into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	pg, ok := s.pgfts.(*PgFTS)
	if !s.meiliReady() || !ok {
		return
	}
	records, err := pg.LoadAllRecords(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("reindex load failed")
		return
	}
	if err := s.meili.IndexComments(records); err != nil {
		s.log.Error().Err(err).Msg("reindex comments")
		return
	}
	s.log.Info().Int("count", len(records)).Msg("reindexed comments")
}

// Close stops background work.
func (s *Service) Close() {
	if s.meili != nil {
		s.meili.Close()
	}
}

func (s *Service) meiliReady() bool {
	return s != nil && s.meili != nil && s.meili.Healthy()
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
