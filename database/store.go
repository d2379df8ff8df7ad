package database

import (
	"context"
	"database/sql"
	"time"

	log "github.com/sirupsen/logrus"
)

// Store bundles the repositories sharing one connection and write buffer
type Store struct {
	DB       *sql.DB
	Buffer   *WriteBuffer
	Users    *UserRepository
	Backends *BackendRepository
	Rules    *RuleRepository
	Attempts *AttemptRepository
}

// NewStore opens the database at path. The write buffer is started.
func NewStore(path string, batchSize int, flushTime time.Duration) (*Store, error) {
	db, err := Open(path)
	if err != nil {
		return nil, err
	}
	buf := NewWriteBuffer(db, batchSize, flushTime)
	buf.Start()
	return &Store{
		DB:       db,
		Buffer:   buf,
		Users:    NewUserRepository(db),
		Backends: NewBackendRepository(db, buf),
		Rules:    NewRuleRepository(db, buf),
		Attempts: NewAttemptRepository(db, buf),
	}, nil
}

// Ping reports whether the database answers
func (s *Store) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

// Close flushes buffered writes and closes the database
func (s *Store) Close() error {
	s.Buffer.Stop()
	return s.DB.Close()
}

// StartRetention prunes attempts older than retentionDays once at startup
// and then daily until ctx is done.
func (s *Store) StartRetention(ctx context.Context, retentionDays int) {
	if retentionDays <= 0 {
		retentionDays = 30
	}
	go func() {
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()

		s.pruneAttempts(ctx, retentionDays)
		for {
			select {
			case <-ticker.C:
				s.pruneAttempts(ctx, retentionDays)
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (s *Store) pruneAttempts(ctx context.Context, retentionDays int) {
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	n, err := s.Attempts.PruneBefore(ctx, cutoff)
	if err != nil {
		log.Errorf("Error pruning forward attempts: %v", err)
		return
	}
	log.Infof("Attempt pruning completed: %d entries removed (retention: %d days)", n, retentionDays)
}
