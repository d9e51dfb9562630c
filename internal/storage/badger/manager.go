package badger

import (
	"context"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/licitometro/internal/common"
	"github.com/ternarybob/licitometro/internal/interfaces"
)

// Manager implements the StorageManager interface for Badger
type Manager struct {
	db         *BadgerDB
	template   interfaces.TemplateStorage
	job        interfaces.JobStorage
	runHistory interfaces.RunHistoryStorage
	record     interfaces.RecordStorage
	logger     arbor.ILogger
}

// NewManager creates a new Badger storage manager
func NewManager(logger arbor.ILogger, config *common.BadgerConfig) (interfaces.StorageManager, error) {
	db, err := NewBadgerDB(logger, config)
	if err != nil {
		return nil, err
	}

	manager := newManager(db, logger)
	logger.Info().Msg("Badger storage manager initialized")

	return manager, nil
}

func newManager(db *BadgerDB, logger arbor.ILogger) *Manager {
	return &Manager{
		db:         db,
		template:   NewTemplateStorage(db, logger),
		job:        NewJobStorage(db, logger),
		runHistory: NewRunHistoryStorage(db, logger),
		record:     NewRecordStorage(db, logger),
		logger:     logger,
	}
}

// TemplateStorage returns the Template storage interface
func (m *Manager) TemplateStorage() interfaces.TemplateStorage {
	return m.template
}

// JobStorage returns the Job storage interface
func (m *Manager) JobStorage() interfaces.JobStorage {
	return m.job
}

// RunHistoryStorage returns the RunHistory storage interface
func (m *Manager) RunHistoryStorage() interfaces.RunHistoryStorage {
	return m.runHistory
}

// RecordStorage returns the Record storage interface
func (m *Manager) RecordStorage() interfaces.RecordStorage {
	return m.record
}

// LoadTemplatesFromFiles seeds templates from YAML/TOML files
func (m *Manager) LoadTemplatesFromFiles(ctx context.Context, dirPath string) error {
	return LoadTemplatesFromFiles(ctx, m.template, dirPath, m.logger)
}

// DB returns the underlying badgerhold store
func (m *Manager) DB() interface{} {
	return m.db.Store()
}

// Close closes the database connection
func (m *Manager) Close() error {
	m.logger.Info().Msg("Closing Badger storage manager")
	return m.db.Close()
}
