package cmd

import (
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/arcward/stockbot/stockbot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// setupInitTest points the database config at a temp SQLite file, and
// resets init flags afterward
func setupInitTest(t *testing.T) string {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	t.Setenv("SB_DATABASE_TYPE", "sqlite")
	t.Setenv("SB_DATABASE", dbPath)
	t.Cleanup(
		func() {
			customPasswordReader = nil
			generateToken = false
			tokenName = "default"
		},
	)
	return dbPath
}

func openTestDB(t *testing.T, dbPath string) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(dbPath))
	require.NoError(t, err)
	t.Cleanup(
		func() {
			sqlDB, _ := db.DB()
			if sqlDB != nil {
				_ = sqlDB.Close()
			}
		},
	)
	return db
}

func TestInitCommand(t *testing.T) {
	dbPath := setupInitTest(t)

	// first attempt mismatches
	secrets := []string{"first-token", "typo-token", "my-api-token", "my-api-token"}
	customPasswordReader = func() ([]byte, error) {
		if len(secrets) == 0 {
			return nil, errors.New("no more input")
		}
		s := secrets[0]
		secrets = secrets[1:]
		return []byte(s), nil
	}

	out := captureOutput(t)
	rootCmd.SetArgs([]string{"init", "--name=n8n"})
	require.NoError(t, rootCmd.Execute())

	_, err := os.Stat(dbPath)
	require.NoError(t, err, "database file should exist")

	output := out.String()
	assert.Contains(t, output, "No API token is set")
	assert.Contains(t, output, "Enter API token:")
	assert.Contains(t, output, "Confirm API token:")
	assert.Contains(t, output, "Tokens do not match")
	assert.Contains(t, output, "API token set successfully")
	assert.Contains(t, output, "Initialization complete")
	assert.NotContains(t, output, "my-api-token")

	db := openTestDB(t, dbPath)
	mg := db.Migrator()
	assert.True(t, mg.HasTable(&stockbot.UserRequestCounter{}))
	assert.True(t, mg.HasTable(&stockbot.ExemptUser{}))
	assert.True(t, mg.HasTable(&stockbot.MessageLog{}))
	assert.True(t, mg.HasTable(&stockbot.APIToken{}))

	var tokens []stockbot.APIToken
	require.NoError(t, db.Find(&tokens).Error)
	require.Len(t, tokens, 1)
	assert.Equal(t, "n8n", tokens[0].Name)
	assert.NotEqual(t, "my-api-token", tokens[0].TokenHash)

	// a second init leaves the existing token alone
	out.Reset()
	rootCmd.SetArgs([]string{"init"})
	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "An API token already exists")

	require.NoError(t, db.Find(&tokens).Error)
	assert.Len(t, tokens, 1)
}

func TestInitCommand_Generate(t *testing.T) {
	dbPath := setupInitTest(t)
	customPasswordReader = func() ([]byte, error) {
		t.Fatal("generated tokens shouldn't prompt")
		return nil, nil
	}

	out := captureOutput(t)
	rootCmd.SetArgs([]string{"init", "--generate"})
	require.NoError(t, rootCmd.Execute())

	match := regexp.MustCompile(`API token \(save this, it won't be shown again\): ([0-9a-f]+)`).
		FindStringSubmatch(out.String())
	require.Len(t, match, 2)
	assert.Len(t, match[1], apiTokenLength)

	db := openTestDB(t, dbPath)
	var tokens []stockbot.APIToken
	require.NoError(t, db.Find(&tokens).Error)
	require.Len(t, tokens, 1)
	assert.Equal(t, "default", tokens[0].Name)
	assert.NotEmpty(t, tokens[0].TokenHash)
}
