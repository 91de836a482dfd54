package database

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/Gobusters/ectologger"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/pkg/errors"
)

var upMigrationName = regexp.MustCompile(`^(\d+)_.*\.up\.sql$`)

// migrateLogger routes golang-migrate output through the service logger.
type migrateLogger struct {
	ectologger.Logger
}

func (l migrateLogger) Verbose() bool { return true }

func (l migrateLogger) Printf(format string, v ...any) {
	l.Infof(strings.TrimRight(format, "\n"), v...)
}

type MigrationConfig struct {
	MigrationFolderPath string
	Version             uint // 0 migrates to latest
	Force               int  // non-zero forces the recorded version first
}

type MigrationService struct {
	config *MigrationConfig
	logger ectologger.Logger
}

func NewMigrationService(logger ectologger.Logger, config *MigrationConfig) *MigrationService {
	return &MigrationService{config: config, logger: logger}
}

// Migrate applies the fixed-table migrations. Dynamic device tables are not
// migrated here. They grow at runtime through the schema registry.
func (ms *MigrationService) Migrate(databaseName string, driver database.Driver) error {
	folder := ms.resolveFolder()
	if _, err := os.Stat(folder); err != nil {
		return errors.Wrapf(err, "migration folder %s does not exist", folder)
	}

	m, err := migrate.NewWithDatabaseInstance("file://"+folder, databaseName, driver)
	if err != nil {
		return errors.Wrap(err, "failed to create migrate instance")
	}
	m.Log = migrateLogger{Logger: ms.logger}

	if ms.config.Force != 0 {
		if err := m.Force(ms.config.Force); err != nil {
			return errors.Wrapf(err, "failed to force database to version %d", ms.config.Force)
		}
	}

	recorded, _, versionErr := m.Version()
	if versionErr != nil {
		recorded = 0
	}

	if ms.config.Version != 0 {
		err = m.Migrate(ms.config.Version)
	} else {
		err = m.Up()
	}

	switch {
	case err == nil:
		ms.logger.Info("migrations applied")
		return nil
	case err == migrate.ErrNoChange:
		ms.logger.Info("no new migrations to apply")
		return nil
	case strings.Contains(err.Error(), "no migration found for version"):
		// A rollback can leave the recorded version ahead of the files on
		// disk. Pin the recorded version to the newest file and move on.
		return ms.repinVersion(m, recorded, folder)
	}

	version, dirty, versionErr := m.Version()
	if versionErr != nil && versionErr != migrate.ErrNilVersion {
		ms.logger.WithError(versionErr).Error("failed to read migration version")
	}
	ms.logger.WithError(err).Errorf("migrations failed, database at version %d (dirty=%t)", version, dirty)
	return err
}

func (ms *MigrationService) resolveFolder() string {
	folder := ms.config.MigrationFolderPath
	if _, err := os.Stat(folder); err == nil {
		return folder
	}
	wd, _ := os.Getwd()
	return filepath.Join(wd, folder)
}

func (ms *MigrationService) repinVersion(m *migrate.Migrate, recorded uint, folder string) error {
	latest, err := latestFileVersion(folder)
	if err != nil {
		return errors.Wrap(err, "failed to determine latest migration version")
	}

	ms.logger.Warnf("no migration file for recorded version %d, forcing version %d", recorded, latest)
	if err := m.Force(latest); err != nil {
		return errors.Wrapf(err, "failed to force database to version %d", latest)
	}
	return nil
}

func latestFileVersion(folder string) (int, error) {
	files, err := os.ReadDir(folder)
	if err != nil {
		return 0, err
	}

	var versions []int
	for _, file := range files {
		if file.IsDir() {
			continue
		}
		matches := upMigrationName.FindStringSubmatch(file.Name())
		if len(matches) < 2 {
			continue
		}
		version, err := strconv.Atoi(matches[1])
		if err != nil {
			return 0, err
		}
		versions = append(versions, version)
	}

	if len(versions) == 0 {
		return 0, fmt.Errorf("no migration files in %s", folder)
	}
	sort.Ints(versions)
	return versions[len(versions)-1], nil
}
