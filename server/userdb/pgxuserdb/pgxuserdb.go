// pgxuserdb.go - PostgreSQL backed superlogin user database.
// Copyright (C) 2018  Yawning Angel.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package pgxuserdb implements the superlogin server user database on
// PostgreSQL, via the pgx driver.
package pgxuserdb

import (
	"fmt"
	"strings"

	"github.com/fxamacker/cbor/v2"
	"github.com/jackc/pgx"
	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/superlogin/core/crypto/signing"
	"github.com/katzenpost/superlogin/core/log"
	"github.com/katzenpost/superlogin/core/wire/commands"
	"github.com/katzenpost/superlogin/derivation"
	"github.com/katzenpost/superlogin/server/userdb"
)

const (
	pgxSchemaVersion = 1

	pgxTagGetByLogin     = "user_get_by_login"
	pgxTagGetByToken     = "user_get_by_token"
	pgxTagGetByRestoreID = "user_get_by_restore_id"

	pgCodeUniqueViolation = "23505" // `unique_violation`

	userColumns = "login_name, login_id, login_public_key, derivation_params, restore_id, packed_aco, application_data, login_token"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS superlogin_metadata (
		schema_version smallint NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS superlogin_users (
		login_name        text PRIMARY KEY,
		login_id          bytea NOT NULL CONSTRAINT superlogin_users_login_id_key UNIQUE,
		login_public_key  bytea NOT NULL,
		derivation_params bytea NOT NULL,
		restore_id        bytea NOT NULL CONSTRAINT superlogin_users_restore_id_key UNIQUE,
		packed_aco        bytea NOT NULL,
		application_data  bytea,
		login_token       bytea NOT NULL CONSTRAINT superlogin_users_login_token_key UNIQUE
	)`,
}

type pgxUserDB struct {
	log  *logging.Logger
	pool *pgx.ConnPool
}

// Log implements pgx.Logger.
func (d *pgxUserDB) Log(level pgx.LogLevel, msg string, data map[string]interface{}) {
	if level == pgx.LogLevelNone {
		return
	}

	argVec := make([]interface{}, 0, 1+len(data))
	argVec = append(argVec, msg+" ")
	for k, v := range data {
		argVec = append(argVec, fmt.Sprintf("%s=%v ", k, v))
	}
	mStr := strings.TrimSpace(fmt.Sprint(argVec...))

	switch level {
	case pgx.LogLevelDebug:
		d.log.Debug(mStr)
	case pgx.LogLevelInfo:
		d.log.Info(mStr)
	case pgx.LogLevelWarn:
		d.log.Warning(mStr)
	case pgx.LogLevelError:
		d.log.Error(mStr)
	}
}

func (d *pgxUserDB) initSchema() error {
	for _, stmt := range schema {
		if _, err := d.pool.Exec(stmt); err != nil {
			return fmt.Errorf("pgxuserdb: schema: %v", err)
		}
	}

	var schemaVersion int
	err := d.pool.QueryRow("SELECT schema_version FROM superlogin_metadata LIMIT 1").Scan(&schemaVersion)
	switch {
	case err == pgx.ErrNoRows:
		_, err = d.pool.Exec("INSERT INTO superlogin_metadata (schema_version) VALUES ($1)", pgxSchemaVersion)
		return err
	case err != nil:
		return fmt.Errorf("pgxuserdb: metadata query failed: %v", err)
	case schemaVersion != pgxSchemaVersion:
		return fmt.Errorf("pgxuserdb: invalid schema version: %v", schemaVersion)
	}
	return nil
}

func (d *pgxUserDB) initStatements() error {
	stmts := []struct {
		tag, query string
	}{
		{pgxTagGetByLogin, "SELECT " + userColumns + " FROM superlogin_users WHERE login_name = $1"},
		{pgxTagGetByToken, "SELECT " + userColumns + " FROM superlogin_users WHERE login_token = $1"},
		{pgxTagGetByRestoreID, "SELECT " + userColumns + " FROM superlogin_users WHERE restore_id = $1"},
	}

	for _, v := range stmts {
		if _, err := d.pool.Prepare(v.tag, v.query); err != nil {
			d.log.Errorf("Failed to prepare statement %v -> %v: %v", v.tag, v.query, err)
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*userdb.User, error) {
	u := new(userdb.User)
	var rawParams []byte
	err := row.Scan(&u.LoginName, &u.LoginID, &u.LoginPublicKey, &rawParams, &u.RestoreID, &u.PackedACO, &u.ApplicationData, &u.LoginToken)
	switch {
	case err == pgx.ErrNoRows:
		return nil, userdb.ErrNoSuchUser
	case err != nil:
		return nil, err
	}
	u.DerivationParams = new(derivation.Params)
	if err = cbor.Unmarshal(rawParams, u.DerivationParams); err != nil {
		return nil, fmt.Errorf("pgxuserdb: corrupted derivation params of '%s': %v", u.LoginName, err)
	}
	return u, nil
}

func (d *pgxUserDB) get(tag string, key interface{}) (*userdb.User, error) {
	return scanUser(d.pool.QueryRow(tag, key))
}

func exists(tx *pgx.Tx, column string, v interface{}) (bool, error) {
	var found bool
	err := tx.QueryRow("SELECT EXISTS (SELECT 1 FROM superlogin_users WHERE "+column+" = $1)", v).Scan(&found)
	return found, err
}

func constraintStatus(err error) (commands.Status, bool) {
	pgErr, ok := err.(pgx.PgError)
	if !ok || pgErr.Code != pgCodeUniqueViolation {
		return 0, false
	}
	switch pgErr.ConstraintName {
	case "superlogin_users_login_id_key":
		return commands.LoginIDUnavailable, true
	case "superlogin_users_restore_id_key":
		return commands.RestoreIDUnavailable, true
	default:
		return commands.LoginUnavailable, true
	}
}

func (d *pgxUserDB) Register(args *commands.RegistrationArgs) (*commands.AuthenticationResult, error) {
	u, err := userdb.NewUser(args)
	if err != nil {
		return nil, err
	}
	rawParams, err := cbor.Marshal(u.DerivationParams)
	if err != nil {
		return nil, err
	}

	tx, err := d.pool.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	checks := []struct {
		column string
		value  interface{}
		status commands.Status
	}{
		{"login_name", u.LoginName, commands.LoginUnavailable},
		{"login_id", u.LoginID, commands.LoginIDUnavailable},
		{"restore_id", u.RestoreID, commands.RestoreIDUnavailable},
	}
	for _, c := range checks {
		found, err := exists(tx, c.column, c.value)
		if err != nil {
			return nil, err
		}
		if found {
			return commands.NewFailure(c.status), nil
		}
	}

	_, err = tx.Exec("INSERT INTO superlogin_users ("+userColumns+") VALUES ($1, $2, $3, $4, $5, $6, $7, $8)",
		u.LoginName, u.LoginID, u.LoginPublicKey, rawParams, u.RestoreID, u.PackedACO, u.ApplicationData, u.LoginToken)
	if err != nil {
		if status, ok := constraintStatus(err); ok {
			return commands.NewFailure(status), nil
		}
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		if status, ok := constraintStatus(err); ok {
			return commands.NewFailure(status), nil
		}
		return nil, err
	}
	return u.Success(), nil
}

func (d *pgxUserDB) LoginByToken(token []byte) (*commands.AuthenticationResult, error) {
	u, err := d.get(pgxTagGetByToken, token)
	switch {
	case err == userdb.ErrNoSuchUser:
		return commands.NewFailure(commands.LoginUnavailable), nil
	case err != nil:
		return nil, err
	}
	return u.Success(), nil
}

func (d *pgxUserDB) DerivationParams(loginName string) (*derivation.Params, error) {
	u, err := d.get(pgxTagGetByLogin, loginName)
	if err != nil {
		return nil, err
	}
	return u.DerivationParams, nil
}

func (d *pgxUserDB) ACOByLoginName(loginName string, loginID []byte) ([]byte, error) {
	u, err := d.get(pgxTagGetByLogin, loginName)
	if err != nil {
		return nil, err
	}
	if !u.LoginIDMatches(loginID) {
		return nil, userdb.ErrNoSuchUser
	}
	return u.PackedACO, nil
}

func (d *pgxUserDB) ACOByRestoreID(restoreID []byte) ([]byte, error) {
	u, err := d.get(pgxTagGetByRestoreID, restoreID)
	if err != nil {
		return nil, err
	}
	return u.PackedACO, nil
}

func (d *pgxUserDB) LoginByKey(loginName string, k *signing.PublicKey) (*commands.AuthenticationResult, error) {
	u, err := d.get(pgxTagGetByLogin, loginName)
	switch {
	case err == userdb.ErrNoSuchUser:
		return commands.NewFailure(commands.LoginUnavailable), nil
	case err != nil:
		return nil, err
	}
	if !u.KeyMatches(k) {
		return commands.NewFailure(commands.LoginUnavailable), nil
	}
	return u.Success(), nil
}

func (d *pgxUserDB) UpdateAccessControlData(loginName string, upd *userdb.Update) (*commands.AuthenticationResult, error) {
	if err := userdb.ValidateUpdate(upd); err != nil {
		return nil, err
	}

	tx, err := d.pool.Begin()
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	u, err := scanUser(tx.QueryRow("SELECT "+userColumns+" FROM superlogin_users WHERE login_name = $1 FOR UPDATE", loginName))
	if err != nil {
		return nil, err
	}
	if !u.KeyMatches(upd.SignerPublicKey) {
		return commands.NewFailure(commands.LoginUnavailable), nil
	}
	if _, err = u.Apply(upd); err != nil {
		return nil, err
	}
	rawParams, err := cbor.Marshal(u.DerivationParams)
	if err != nil {
		return nil, err
	}
	_, err = tx.Exec(`UPDATE superlogin_users SET
		login_id = $2, login_public_key = $3, derivation_params = $4, packed_aco = $5, login_token = $6
		WHERE login_name = $1`,
		u.LoginName, u.LoginID, u.LoginPublicKey, rawParams, u.PackedACO, u.LoginToken)
	if err != nil {
		if status, ok := constraintStatus(err); ok {
			return commands.NewFailure(status), nil
		}
		return nil, err
	}
	if err = tx.Commit(); err != nil {
		return nil, err
	}
	return u.Success(), nil
}

func (d *pgxUserDB) Close() {
	d.pool.Close()
}

func toPgxLogLevel(level string) pgx.LogLevel {
	switch strings.ToUpper(level) {
	case "ERROR":
		return pgx.LogLevelError
	case "WARNING":
		return pgx.LogLevelWarn
	case "NOTICE", "INFO":
		return pgx.LogLevelInfo
	case "DEBUG":
		return pgx.LogLevelDebug
	default:
		return pgx.LogLevelNone
	}
}

// New connects to the database named by dataSourceName, creating the
// schema if needed.
func New(dataSourceName string, maxConns int, logBackend *log.Backend, logLevel string) (userdb.UserDB, error) {
	// The pgx connection pool code requires at least 2 conns, and internally
	// will default to 5 if unspecified.
	if maxConns < 5 {
		maxConns = 5
	}

	d := &pgxUserDB{
		log: logBackend.GetLogger("userdb/pgx"),
	}

	connCfg, err := pgx.ParseConnectionString(dataSourceName)
	if err != nil {
		return nil, err
	}
	connCfg.Logger = d
	connCfg.LogLevel = toPgxLogLevel(logLevel)
	poolCfg := pgx.ConnPoolConfig{
		ConnConfig:     connCfg,
		MaxConnections: maxConns,
	}

	isOk := false
	defer func() {
		if !isOk && d.pool != nil {
			d.pool.Close()
		}
	}()

	if d.pool, err = pgx.NewConnPool(poolCfg); err != nil {
		return nil, err
	}
	if err = d.initSchema(); err != nil {
		return nil, err
	}
	if err = d.initStatements(); err != nil {
		return nil, err
	}

	isOk = true
	return d, nil
}
