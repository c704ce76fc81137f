package pqbroker

import (
	"context"
	"database/sql"

	"github.com/pkg/errors"
)

// EnableOptions are the feature toggles recorded when provisioning the
// broker. RowLevelSecurity additionally gates whether row level protection
// and the default policies are applied.
type EnableOptions struct {
	Broadcast        bool `json:"broadcast"`
	Presence         bool `json:"presence"`
	RowLevelSecurity bool `json:"row_level_security"`
}

// BrokerStatus is a computed snapshot of the provisioned infrastructure.
// It is recomputed on every call and never cached.
type BrokerStatus struct {
	SchemaExists       bool   `json:"schema_exists"`
	TableExists        bool   `json:"table_exists"`
	RowLevelSecurity   bool   `json:"row_level_security"`
	ExtensionInstalled bool   `json:"extension_installed"`
	Broadcast          bool   `json:"broadcast"`
	Presence           bool   `json:"presence"`
	ChannelKey         string `json:"channel_key,omitempty"`
	Degraded           string `json:"degraded,omitempty"`
}

// Status reports the current broker state.
func (b *Broker) Status(ctx context.Context) (BrokerStatus, error) {
	st := BrokerStatus{
		Broadcast: b.features.Broadcast,
		Presence:  b.features.Presence,
	}
	if err := b.db.QueryRowContext(ctx, sqlSchemaExists, brokerSchema).Scan(&st.SchemaExists); err != nil {
		return st, errors.Wrap(err, "schema check")
	}
	if err := b.db.QueryRowContext(ctx, sqlTableExists, brokerSchema+"."+messagesTable).Scan(&st.TableExists); err != nil {
		return st, errors.Wrap(err, "table check")
	}
	if err := b.db.QueryRowContext(ctx, sqlRowSecurityActive, brokerSchema, messagesTable).Scan(&st.RowLevelSecurity); err != nil {
		return st, errors.Wrap(err, "row security check")
	}
	if err := b.db.QueryRowContext(ctx, sqlExtensionExists, brokerExtension).Scan(&st.ExtensionInstalled); err != nil {
		return st, errors.Wrap(err, "extension check")
	}
	if st.TableExists {
		shape, err := b.DetectShape(ctx)
		if err != nil {
			return st, err
		}
		st.ChannelKey = shape.Describe()
		st.Degraded = shape.Degraded
	}
	return st, nil
}

// Enable provisions the broker infrastructure. Every step is guarded by an
// existence check, so repeated calls converge on the same end state. The
// whole sequence runs in one transaction; a failure after partial
// provisioning rolls back completely.
func (b *Broker) Enable(ctx context.Context, opts EnableOptions) (BrokerStatus, error) {
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlCreateExtension); err != nil {
			return errors.Wrap(err, "create extension")
		}
		if _, err := tx.ExecContext(ctx, sqlCreateSchema); err != nil {
			return errors.Wrap(err, "create schema")
		}
		if err := createMessagesTable(ctx, tx); err != nil {
			return err
		}
		if opts.RowLevelSecurity {
			if err := applyRowSecurity(ctx, tx); err != nil {
				return err
			}
		}
		shape, err := detectShape(ctx, tx)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, buildChannelsView(shape)); err != nil {
			return errors.Wrap(err, "create channels view")
		}
		return nil
	})
	if err != nil {
		return BrokerStatus{}, err
	}
	b.features = opts
	return b.Status(ctx)
}

// createMessagesTable creates the message log with the primary column set,
// falling back to the alternate naming scheme behind a savepoint when the
// primary set cannot be created.
func createMessagesTable(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, "SAVEPOINT create_messages"); err != nil {
		return errors.Wrap(err, "savepoint")
	}
	if _, err := tx.ExecContext(ctx, sqlCreateMessages); err == nil {
		_, err = tx.ExecContext(ctx, "RELEASE SAVEPOINT create_messages")
		return errors.Wrap(err, "release savepoint")
	}
	if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT create_messages"); err != nil {
		return errors.Wrap(err, "rollback savepoint")
	}
	if _, err := tx.ExecContext(ctx, sqlCreateMessagesAlt); err != nil {
		return errors.Wrap(err, "create messages table")
	}
	return nil
}

func applyRowSecurity(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, sqlEnableRowSecurity); err != nil {
		return errors.Wrap(err, "enable row security")
	}
	if _, err := tx.ExecContext(ctx, sqlForceRowSecurity); err != nil {
		return errors.Wrap(err, "force row security")
	}
	var n int
	if err := tx.QueryRowContext(ctx, sqlCountPolicies, brokerSchema, messagesTable).Scan(&n); err != nil {
		return errors.Wrap(err, "count policies")
	}
	// default policies only when none exist yet
	if n > 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, sqlEnsureDefaultRole); err != nil {
		return errors.Wrap(err, "ensure default role")
	}
	if _, err := tx.ExecContext(ctx, sqlDefaultReadPolicy); err != nil {
		return errors.Wrap(err, "default read policy")
	}
	if _, err := tx.ExecContext(ctx, sqlDefaultInsertPolicy); err != nil {
		return errors.Wrap(err, "default insert policy")
	}
	return nil
}

// Disable drops the broker schema with every dependent object, then the
// extension. Disabling an already-disabled broker is a no-op success.
func (b *Broker) Disable(ctx context.Context) (BrokerStatus, error) {
	err := b.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlDropSchema); err != nil {
			return errors.Wrap(err, "drop schema")
		}
		if _, err := tx.ExecContext(ctx, sqlDropExtension); err != nil {
			return errors.Wrap(err, "drop extension")
		}
		return nil
	})
	if err != nil {
		return BrokerStatus{}, err
	}
	b.features = EnableOptions{}
	return b.Status(ctx)
}
