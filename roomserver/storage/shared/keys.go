package shared

import (
	"context"
	"database/sql"

	"github.com/matrixcore/matrixcore/internal/spec"
	"github.com/matrixcore/matrixcore/internal/sqlutil"
)

const selectServerKeySQL = `
SELECT public_key, valid_until_ts FROM roomserver_server_signing_keys
WHERE server_name = $1 AND key_id = $2`

const upsertServerKeySQL = `
INSERT INTO roomserver_server_signing_keys (server_name, key_id, public_key, valid_until_ts)
VALUES ($1, $2, $3, $4)
ON CONFLICT (server_name, key_id) DO UPDATE SET public_key = EXCLUDED.public_key, valid_until_ts = EXCLUDED.valid_until_ts`

// keyStatements backs d.keys: the local cache of remote servers' Ed25519
// signing keys (C3), persisted so a restart doesn't force refetching every
// key the server has ever verified against.
type keyStatements struct {
	db *sql.DB

	selectServerKeyStmt *sql.Stmt
	upsertServerKeyStmt *sql.Stmt
}

func prepareKeyStatements(db *sql.DB) (*keyStatements, error) {
	s := &keyStatements{db: db}
	err := sqlutil.StatementList{
		{Statement: &s.selectServerKeyStmt, SQL: selectServerKeySQL},
		{Statement: &s.upsertServerKeyStmt, SQL: upsertServerKeySQL},
	}.Prepare(db)
	return s, err
}

func (s *keyStatements) select_(ctx context.Context, serverName spec.ServerName, keyID string) ([]byte, int64, bool, error) {
	var pub []byte
	var validUntil int64
	err := s.selectServerKeyStmt.QueryRowContext(ctx, string(serverName), keyID).Scan(&pub, &validUntil)
	if err == sql.ErrNoRows {
		return nil, 0, false, nil
	}
	if err != nil {
		return nil, 0, false, err
	}
	return pub, validUntil, true, nil
}

func (s *keyStatements) upsert(ctx context.Context, txn *sql.Tx, serverName spec.ServerName, keyID string, publicKey []byte, validUntilTS int64) error {
	_, err := sqlutil.TxStmt(txn, s.upsertServerKeyStmt).ExecContext(ctx, string(serverName), keyID, publicKey, validUntilTS)
	return err
}
