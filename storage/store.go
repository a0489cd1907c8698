package storage

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"voting-ledger/models"
)

const (
	DriverSqlite   = "sqlite"
	DriverPostgres = "postgres"

	sqliteFileName = "ledger.sqlite"
	// wait on a locked database instead of failing the caller immediately
	sqliteBusyTimeoutMs = 5000
	orphanBatchSize     = 500
)

// ErrDuplicate is returned when an insert violates a unique index.
var ErrDuplicate = errors.New("unique constraint violation")

// Config selects and configures the backing database.
type Config struct {
	Driver       string
	DataDir      string
	DSN          string
	Host         string
	Port         uint
	User         string
	Password     string
	Database     string
	SSLMode      string
	MaxOpenConns int
	Logger       *slog.Logger
}

// Store persists votes and blocks. Methods that accept a txn run inside that
// transaction; a nil txn uses the shared handle.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger
}

// CandidateCount is the number of votes a candidate received in an election.
type CandidateCount struct {
	CandidateID string `json:"candidate_id"`
	Votes       int64  `json:"votes_count"`
}

// Open connects to the configured database and migrates the ledger tables.
func Open(cfg Config) (*Store, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	logger = logger.With("component", "storage")

	gormCfg := &gorm.Config{
		Logger:         gormlogger.Discard,
		TranslateError: true,
	}

	var (
		db  *gorm.DB
		err error
	)
	switch cfg.Driver {
	case DriverSqlite, "":
		cfg.Driver = DriverSqlite
		dsn, dsnErr := sqliteDSN(cfg.DataDir)
		if dsnErr != nil {
			return nil, dsnErr
		}
		db, err = gorm.Open(sqlite.Open(dsn), gormCfg)
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(postgresDSN(cfg)), gormCfg)
	default:
		return nil, errors.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s database", cfg.Driver)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get database handle")
	}
	if cfg.Driver == DriverSqlite {
		// one connection serializes writers; the busy timeout covers other processes
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
	} else {
		maxOpen := cfg.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 10
		}
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen)
		sqlDB.SetConnMaxLifetime(time.Hour)
	}

	if err := db.Use(tracing.NewPlugin(tracing.WithoutMetrics())); err != nil {
		return nil, errors.Wrap(err, "register tracing plugin")
	}

	for _, model := range models.MigrateModels {
		logger.Debug(fmt.Sprintf("creating table: %T", model))
		if err := db.AutoMigrate(model); err != nil {
			return nil, errors.Wrapf(err, "migrate %T", model)
		}
	}

	logger.Info("opened ledger database", "driver", cfg.Driver, "data_dir", cfg.DataDir)

	return &Store{db: db, logger: logger}, nil
}

func sqliteDSN(dataDir string) (string, error) {
	// immediate transactions take the write lock at BEGIN, where the busy
	// timeout applies, instead of failing on a later read-to-write upgrade
	pragmas := "_txlock=immediate&_pragma=busy_timeout(" + strconv.Itoa(sqliteBusyTimeoutMs) + ")&_pragma=foreign_keys(1)"
	if dataDir == "" {
		// named in-memory database so each store is isolated
		return fmt.Sprintf("file:ledger-%s?mode=memory&cache=shared&%s", uuid.NewString(), pragmas), nil
	}
	if _, err := os.Stat(dataDir); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return "", errors.Wrap(err, "read data dir")
		}
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return "", errors.Wrap(err, "create data dir")
		}
	}
	path := filepath.Join(dataDir, sqliteFileName)
	return fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&%s", path, pragmas), nil
}

func postgresDSN(cfg Config) string {
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Port
	if port == 0 {
		port = 5432
	}
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	parts := []string{
		"host=" + host,
		"user=" + cfg.User,
		"password=" + cfg.Password,
		"dbname=" + cfg.Database,
		"port=" + strconv.FormatUint(uint64(port), 10),
		"sslmode=" + sslMode,
		"TimeZone=UTC",
	}
	return strings.Join(parts, " ")
}

// DB returns the underlying gorm handle.
func (s *Store) DB() *gorm.DB {
	return s.db
}

// Close closes the database connection.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "get database handle")
	}
	return sqlDB.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "get database handle")
	}
	return sqlDB.PingContext(ctx)
}

// Transaction runs fn inside a database transaction. Any error returned by fn
// rolls the transaction back.
func (s *Store) Transaction(ctx context.Context, fn func(txn *gorm.DB) error) error {
	return s.db.WithContext(ctx).Transaction(fn)
}

func (s *Store) conn(ctx context.Context, txn *gorm.DB) *gorm.DB {
	if txn == nil {
		return s.db.WithContext(ctx)
	}
	return txn.WithContext(ctx)
}

// FindVote returns the vote a voter cast for a position, or nil if none.
func (s *Store) FindVote(ctx context.Context, voterID, positionID string, txn *gorm.DB) (*models.Vote, error) {
	vote := &models.Vote{}
	result := s.conn(ctx, txn).
		Where("voter_id = ? AND position_id = ?", voterID, positionID).
		Take(vote)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(result.Error, "find vote")
	}
	return vote, nil
}

// InsertVote persists a vote. It returns ErrDuplicate when the voter already
// has a vote for the position.
func (s *Store) InsertVote(ctx context.Context, vote *models.Vote, txn *gorm.DB) error {
	if vote.ID == "" {
		vote.ID = uuid.NewString()
	}
	if result := s.conn(ctx, txn).Create(vote); result.Error != nil {
		if isUniqueViolation(result.Error) {
			return errors.Wrap(ErrDuplicate, "insert vote")
		}
		return errors.Wrap(result.Error, "insert vote")
	}
	return nil
}

// VotesByCandidate returns every vote for a candidate in cast order.
func (s *Store) VotesByCandidate(ctx context.Context, candidateID string) ([]models.Vote, error) {
	votes := make([]models.Vote, 0)
	result := s.conn(ctx, nil).
		Where("candidate_id = ?", candidateID).
		Order(castOrder()).
		Find(&votes)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "list votes by candidate")
	}
	return votes, nil
}

// VotesByElection returns every vote in an election in cast order.
func (s *Store) VotesByElection(ctx context.Context, electionID string) ([]models.Vote, error) {
	votes := make([]models.Vote, 0)
	result := s.conn(ctx, nil).
		Where("election_id = ?", electionID).
		Order(castOrder()).
		Find(&votes)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "list votes by election")
	}
	return votes, nil
}

// VoteCounts aggregates votes per candidate for an election, highest first.
func (s *Store) VoteCounts(ctx context.Context, electionID string) ([]CandidateCount, error) {
	counts := make([]CandidateCount, 0)
	result := s.conn(ctx, nil).
		Model(&models.Vote{}).
		Select("candidate_id, count(id) AS votes").
		Where("election_id = ?", electionID).
		Group("candidate_id").
		Order("votes DESC, candidate_id").
		Scan(&counts)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "count votes")
	}
	return counts, nil
}

// LastBlock returns the block with the highest index in an election, or nil
// when the chain is empty.
func (s *Store) LastBlock(ctx context.Context, electionID string, txn *gorm.DB) (*models.Block, error) {
	block := &models.Block{}
	result := s.conn(ctx, txn).
		Where("election_id = ?", electionID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "index"}, Desc: true}).
		Take(block)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, errors.Wrap(result.Error, "find last block")
	}
	return block, nil
}

// InsertBlock persists a block. It returns ErrDuplicate when the index is
// already taken in the election.
func (s *Store) InsertBlock(ctx context.Context, block *models.Block, txn *gorm.DB) error {
	if block.ID == "" {
		block.ID = uuid.NewString()
	}
	if result := s.conn(ctx, txn).Create(block); result.Error != nil {
		if isUniqueViolation(result.Error) {
			return errors.Wrap(ErrDuplicate, "insert block")
		}
		return errors.Wrap(result.Error, "insert block")
	}
	return nil
}

// Blocks returns an election's chain ordered by ascending index.
func (s *Store) Blocks(ctx context.Context, electionID string, txn *gorm.DB) ([]models.Block, error) {
	blocks := make([]models.Block, 0)
	result := s.conn(ctx, txn).
		Where("election_id = ?", electionID).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "index"}}).
		Find(&blocks)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "list blocks")
	}
	return blocks, nil
}

// HasBlockFor reports whether an election's chain already commits to the
// vote identified by voter hash and position.
func (s *Store) HasBlockFor(ctx context.Context, voterHash, positionID, electionID string, txn *gorm.DB) (bool, error) {
	var count int64
	result := s.conn(ctx, txn).
		Model(&models.Block{}).
		Where("voter_hash = ? AND position_id = ? AND election_id = ?", voterHash, positionID, electionID).
		Count(&count)
	if result.Error != nil {
		return false, errors.Wrap(result.Error, "check block")
	}
	return count > 0, nil
}

type blockKey struct {
	VoterHash  string
	PositionID string
	ElectionID string
}

// OrphanVotes returns votes that have no block committing to them, in cast
// order. A block commits to a vote when voter hash, position and election match.
func (s *Store) OrphanVotes(ctx context.Context, voterHash func(string) string) ([]models.Vote, error) {
	var keys []blockKey
	result := s.conn(ctx, nil).
		Model(&models.Block{}).
		Select("voter_hash, position_id, election_id").
		Scan(&keys)
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "list block keys")
	}
	committed := make(map[blockKey]struct{}, len(keys))
	for _, k := range keys {
		committed[k] = struct{}{}
	}

	orphans := make([]models.Vote, 0)
	var batch []models.Vote
	result = s.conn(ctx, nil).
		FindInBatches(&batch, orphanBatchSize, func(_ *gorm.DB, _ int) error {
			for _, v := range batch {
				key := blockKey{
					VoterHash:  voterHash(v.VoterID),
					PositionID: v.PositionID,
					ElectionID: v.ElectionID,
				}
				if _, ok := committed[key]; !ok {
					orphans = append(orphans, v)
				}
			}
			return nil
		})
	if result.Error != nil {
		return nil, errors.Wrap(result.Error, "scan votes")
	}
	// batches are paged by primary key
	sort.SliceStable(orphans, func(i, j int) bool {
		return orphans[i].CastAt.Before(orphans[j].CastAt)
	})
	return orphans, nil
}

func castOrder() clause.OrderByColumn {
	return clause.OrderByColumn{Column: clause.Column{Name: "timestamp"}}
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
