package database

import (
	"database/sql"
	"fmt"
)

// SchemaValidator checks a live database against the shape the store expects.
type SchemaValidator struct {
	db *sql.DB
}

// NewSchemaValidator creates a new schema validator
func NewSchemaValidator(db *sql.DB) *SchemaValidator {
	return &SchemaValidator{db: db}
}

// ValidateTablesExist verifies that all required tables exist
func (v *SchemaValidator) ValidateTablesExist() error {
	requiredTables := map[string]string{
		"users":                     "User directory",
		"conversations":             "Conversation metadata",
		"conversation_participants": "Membership oracle",
		"messages":                  "Message storage",
		"active_users":              "Presence mirror",
		"schema_migrations":         "Migration tracking",
	}

	for table, description := range requiredTables {
		exists, err := v.exists("table", table)
		if err != nil {
			return fmt.Errorf("error checking table %s (%s): %w", table, description, err)
		}
		if !exists {
			return fmt.Errorf("required table %s (%s) does not exist", table, description)
		}
	}

	return nil
}

// ValidateTableStructure verifies the columns the store reads and writes.
func (v *SchemaValidator) ValidateTableStructure() error {
	messageColumns := map[string]string{
		"id":              "INTEGER",
		"sender_id":       "INTEGER",
		"conversation_id": "INTEGER",
		"body":            "TEXT",
		"status":          "TEXT",
		"status_rank":     "INTEGER",
		"created_at":      "DATETIME",
	}
	if err := v.validateColumns("messages", messageColumns); err != nil {
		return fmt.Errorf("messages table structure invalid: %w", err)
	}

	presenceColumns := map[string]string{
		"user_id":   "INTEGER",
		"status":    "TEXT",
		"last_seen": "DATETIME",
		"socket_id": "TEXT",
	}
	if err := v.validateColumns("active_users", presenceColumns); err != nil {
		return fmt.Errorf("active_users table structure invalid: %w", err)
	}

	return nil
}

// ValidateIndexes verifies that all lookup indexes exist
func (v *SchemaValidator) ValidateIndexes() error {
	requiredIndexes := map[string]string{
		"idx_participants_user":        "Conversations per user",
		"idx_messages_conversation_id": "Chronological history",
		"idx_messages_status":          "Pending delivery scan",
		"idx_active_users_socket":      "Disconnect lookup",
	}

	for index, purpose := range requiredIndexes {
		exists, err := v.exists("index", index)
		if err != nil {
			return fmt.Errorf("error checking index %s (%s): %w", index, purpose, err)
		}
		if !exists {
			return fmt.Errorf("required index %s (%s) does not exist", index, purpose)
		}
	}

	return nil
}

// ValidateConstraints checks that the status CHECK constraint is enforced.
// Runs inside a transaction that is always rolled back.
func (v *SchemaValidator) ValidateConstraints() error {
	tx, err := v.db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.Exec(`INSERT INTO users (name, phone_number) VALUES ('constraint-check', 'check-0000')`)
	if err != nil {
		return fmt.Errorf("failed to create check user: %w", err)
	}
	userID, _ := res.LastInsertId()

	res, err = tx.Exec(`INSERT INTO conversations (type) VALUES ('group')`)
	if err != nil {
		return fmt.Errorf("failed to create check conversation: %w", err)
	}
	convID, _ := res.LastInsertId()

	_, err = tx.Exec(`INSERT INTO messages (sender_id, conversation_id, body, status) VALUES (?, ?, 'x', 'lost')`, userID, convID)
	if err == nil {
		return fmt.Errorf("check constraint not enforced: messages.status")
	}

	_, err = tx.Exec(`INSERT INTO messages (sender_id, conversation_id, body, status) VALUES (?, ?, 'x', 'sent')`, userID, convID+1000)
	if err == nil {
		return fmt.Errorf("foreign key constraint not enforced: messages.conversation_id")
	}

	return nil
}

func (v *SchemaValidator) exists(kind, name string) (bool, error) {
	var count int
	err := v.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type=? AND name=?",
		kind, name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// validateColumns checks that a table has the expected columns with correct types
func (v *SchemaValidator) validateColumns(tableName string, expectedColumns map[string]string) error {
	rows, err := v.db.Query(fmt.Sprintf("PRAGMA table_info(%s)", tableName))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	foundColumns := make(map[string]string)
	for rows.Next() {
		var cid, notNull, pk int
		var name, dataType string
		var defaultValue interface{}

		if err := rows.Scan(&cid, &name, &dataType, &notNull, &defaultValue, &pk); err != nil {
			return err
		}
		foundColumns[name] = dataType
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for expectedCol, expectedType := range expectedColumns {
		foundType, exists := foundColumns[expectedCol]
		if !exists {
			return fmt.Errorf("column %s not found", expectedCol)
		}
		if foundType != expectedType {
			return fmt.Errorf("column %s has type %s, expected %s", expectedCol, foundType, expectedType)
		}
	}

	return nil
}
