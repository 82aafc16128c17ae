package prison

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/emileswarts/hmppsauth/identity"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

// Account statuses held by the directory.
const (
	StatusOpen          = "OPEN"
	StatusLocked        = "LOCKED"
	StatusLockedTimed   = "LOCKED(TIMED)"
	StatusExpired       = "EXPIRED"
	StatusExpiredGrace  = "EXPIRED(GRACE)"
	StatusExpiredLocked = "EXPIRED & LOCKED"
)

const staffSelect = `SELECT a.username, a.account_status, a.active, a.first_name, a.last_name,
		COALESCE(e.email, ''), a.last_logged_in,
		COALESCE(array_agg(r.role_code) FILTER (WHERE r.role_code IS NOT NULL), '{}')
	FROM staff_user_accounts a
	LEFT JOIN staff_emails e ON e.username = a.username AND e.primary_email
	LEFT JOIN staff_roles r ON r.username = a.username`

const staffGroupBy = ` GROUP BY a.username, a.account_status, a.active, a.first_name, a.last_name, e.email, a.last_logged_in`

const (
	findByUsernameSQL = staffSelect + ` WHERE a.username = $1` + staffGroupBy
	findByEmailSQL    = staffSelect + ` WHERE lower(e.email) = $1` + staffGroupBy
	authenticateSQL   = `SELECT staff_authenticate($1, $2)`
	lockSQL           = `SELECT staff_lock_account($1)`
	unlockSQL         = `SELECT staff_unlock_account($1)`
	changePasswordSQL = `SELECT staff_change_password($1, $2)`
	recordLoginSQL    = `UPDATE staff_user_accounts SET last_logged_in = $2 WHERE username = $1`
)

// Querier is the part of *pgxpool.Pool the adapter uses.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Provider struct {
	db     Querier
	logger *zap.Logger
}

var (
	_ identity.Provider       = (*Provider)(nil)
	_ identity.Authenticator  = (*Provider)(nil)
	_ identity.RecordUpdater  = (*Provider)(nil)
	_ identity.PasswordSetter = (*Provider)(nil)
)

func New(db Querier, logger *zap.Logger) *Provider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Provider{db: db, logger: logger.With(zap.String("source", identity.SourcePrison.String()))}
}

func (p *Provider) Source() identity.AuthSource {
	return identity.SourcePrison
}

func (p *Provider) FindByUsername(ctx context.Context, username string) (*identity.UserRecord, error) {
	rec, err := scanStaff(p.db.QueryRow(ctx, findByUsernameSQL, identity.NormalizeUsername(username)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, unavailable(err)
	}
	return rec, nil
}

func (p *Provider) FindByEmail(ctx context.Context, email string) ([]identity.UserRecord, error) {
	rows, err := p.db.Query(ctx, findByEmailSQL, identity.NormalizeEmail(email))
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var records []identity.UserRecord
	for rows.Next() {
		rec, err := scanStaff(rows)
		if err != nil {
			return nil, unavailable(err)
		}
		records = append(records, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return records, nil
}

// Authenticate delegates the credential check to the directory.
func (p *Provider) Authenticate(ctx context.Context, username, password string) (bool, error) {
	var ok bool
	err := p.db.QueryRow(ctx, authenticateSQL, identity.NormalizeUsername(username), password).Scan(&ok)
	if err != nil {
		return false, unavailable(err)
	}
	return ok, nil
}

// RecordLogin stamps the directory's last-login column. The directory's
// names and emails are administered elsewhere, so from is ignored.
func (p *Provider) RecordLogin(ctx context.Context, username string, at time.Time, from *identity.LoginIdentity) error {
	if from != nil {
		p.logger.Debug("login identity not applied to prison record", zap.String("username", username))
	}
	tag, err := p.db.Exec(ctx, recordLoginSQL, identity.NormalizeUsername(username), at)
	if err != nil {
		return unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return identity.ErrUserNotFound
	}
	return nil
}

func (p *Provider) SetLocked(ctx context.Context, username string, locked bool) error {
	query := unlockSQL
	if locked {
		query = lockSQL
	}
	if _, err := p.db.Exec(ctx, query, identity.NormalizeUsername(username)); err != nil {
		return unavailable(err)
	}
	return nil
}

func (p *Provider) SetPassword(ctx context.Context, username, password string) error {
	if _, err := p.db.Exec(ctx, changePasswordSQL, identity.NormalizeUsername(username), password); err != nil {
		return unavailable(err)
	}
	return nil
}

func scanStaff(row pgx.Row) (*identity.UserRecord, error) {
	var (
		username, status, first, last, email string
		active                               bool
		lastLoggedIn                         *time.Time
		roles                                []string
	)
	if err := row.Scan(&username, &status, &active, &first, &last, &email, &lastLoggedIn, &roles); err != nil {
		return nil, err
	}

	locked, expired := parseStatus(status)
	rec := &identity.UserRecord{
		Username:           identity.NormalizeUsername(username),
		Source:             identity.SourcePrison,
		Person:             identity.PersonName{First: titleCase(first), Last: titleCase(last)},
		Email:              identity.NormalizeEmail(email),
		EmailVerified:      email != "",
		MFAPreference:      identity.MFAEmail,
		Locked:             locked,
		Enabled:            active,
		CredentialsExpired: expired,
		Authorities:        roles,
	}
	if lastLoggedIn != nil {
		rec.LastLoggedIn = *lastLoggedIn
	}
	return rec, nil
}

// parseStatus maps a directory account status onto the locked and
// credentials-expired flags. Unknown statuses are treated as locked.
func parseStatus(status string) (locked, expired bool) {
	switch strings.ToUpper(strings.TrimSpace(status)) {
	case StatusOpen, StatusExpiredGrace:
		return false, false
	case StatusLocked, StatusLockedTimed:
		return true, false
	case StatusExpired:
		return false, true
	case StatusExpiredLocked:
		return true, true
	default:
		return true, false
	}
}

// titleCase turns the directory's upper-case names into display form.
func titleCase(name string) string {
	words := strings.Fields(strings.ToLower(name))
	for i, w := range words {
		r, size := utf8.DecodeRuneInString(w)
		words[i] = string(unicode.ToTitle(r)) + w[size:]
	}
	return strings.Join(words, " ")
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %v", identity.ErrBackendUnavailable, err)
}
