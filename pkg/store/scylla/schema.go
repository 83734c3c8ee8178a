package scylla

import (
	"fmt"
	"regexp"

	"github.com/gocql/gocql"
)

var keyspacePattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_]{0,47}$`)

// Tables lists the tables Migrate creates, in creation order.
var Tables = []string{"conversations", "participants", "user_conversations", "messages"}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS conversations (
		id text PRIMARY KEY,
		kind text,
		name text,
		created_at timestamp,
		updated_at timestamp
	)`,
	`CREATE TABLE IF NOT EXISTS participants (
		conversation_id text,
		user_id text,
		display_name text,
		joined_at timestamp,
		last_seen_at timestamp,
		invited_by text,
		PRIMARY KEY (conversation_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		conversation_id text,
		joined_at timestamp,
		PRIMARY KEY (user_id, conversation_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		conversation_id text,
		id bigint,
		author_id text,
		author_name text,
		content text,
		created_at timestamp,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`,
}

// CreateKeyspace creates keyspace with SimpleStrategy replication. session
// must not be bound to a keyspace.
func CreateKeyspace(session *gocql.Session, keyspace string, replication int) error {
	if !keyspacePattern.MatchString(keyspace) {
		return fmt.Errorf("invalid keyspace name %q", keyspace)
	}
	if replication <= 0 {
		replication = 1
	}
	q := fmt.Sprintf(`CREATE KEYSPACE IF NOT EXISTS %s WITH REPLICATION = { 'class' : 'SimpleStrategy', 'replication_factor' : %d }`, keyspace, replication)
	if err := session.Query(q).Exec(); err != nil {
		return fmt.Errorf("create keyspace %s: %w", keyspace, err)
	}
	return nil
}

// Migrate creates every table in the session's keyspace.
func Migrate(session *gocql.Session) error {
	for i, stmt := range schema {
		if err := session.Query(stmt).Exec(); err != nil {
			return fmt.Errorf("create table %s: %w", Tables[i], err)
		}
	}
	return nil
}

// Drop removes every table in the session's keyspace.
func Drop(session *gocql.Session) error {
	for i := len(Tables) - 1; i >= 0; i-- {
		if err := session.Query("DROP TABLE IF EXISTS " + Tables[i]).Exec(); err != nil {
			return fmt.Errorf("drop table %s: %w", Tables[i], err)
		}
	}
	return nil
}

// EnsureSchema creates keyspace and every table in it when missing.
func EnsureSchema(hosts []string, keyspace string, replication int) error {
	sys, err := NewSession(hosts, "")
	if err != nil {
		return fmt.Errorf("connect without keyspace: %w", err)
	}
	err = CreateKeyspace(sys, keyspace, replication)
	sys.Close()
	if err != nil {
		return err
	}

	session, err := NewSession(hosts, keyspace)
	if err != nil {
		return fmt.Errorf("connect to keyspace %s: %w", keyspace, err)
	}
	defer session.Close()
	return Migrate(session)
}
