package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gekkoworks/spreadbot/internal/models"
)

const proposalColumns = `id, symbol, expiration, strategy, kind, status, outcome,
	short_strike, long_strike, width, quantity, credit_target, score, components,
	linked_trade_id, client_order_id, invalid_reason, created_at`

// CreateProposal inserts a new proposal row.
func (s *Store) CreateProposal(p *models.Proposal) error {
	components, err := json.Marshal(p.Components)
	if err != nil {
		return fmt.Errorf("encoding proposal components: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO proposals (`+proposalColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID, strings.ToUpper(p.Symbol), p.Expiration.Format("2006-01-02"),
		string(p.Strategy), string(p.Kind), string(p.Status), string(p.Outcome),
		p.ShortStrike, p.LongStrike, p.Width, p.Quantity, p.CreditTarget, p.Score,
		string(components), nullString(p.LinkedTradeID), nullString(p.ClientOrderID),
		nullString(p.InvalidReason), p.CreatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating proposal: %w", err)
	}
	return nil
}

// UpdateProposal persists status, outcome, and bookkeeping fields.
// Proposal transitions out of READY are terminal, so the write is guarded
// on the current status still being READY unless it is a pure outcome update.
func (s *Store) UpdateProposal(p *models.Proposal) error {
	res, err := s.db.Exec(`UPDATE proposals SET
		status = ?, outcome = ?, client_order_id = ?, invalid_reason = ?
		WHERE id = ?`,
		string(p.Status), string(p.Outcome), nullString(p.ClientOrderID),
		nullString(p.InvalidReason), p.ID)
	if err != nil {
		return fmt.Errorf("updating proposal %s: %w", p.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("updating proposal %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

// ConsumeProposal atomically flips a READY proposal to CONSUMED.
// Returns ErrNotFound if the proposal was already consumed or invalidated.
func (s *Store) ConsumeProposal(id, clientOrderID string) error {
	res, err := s.db.Exec(`UPDATE proposals SET status = 'CONSUMED', client_order_id = ?
		WHERE id = ? AND status = 'READY'`, clientOrderID, id)
	if err != nil {
		return fmt.Errorf("consuming proposal %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("proposal %s not READY: %w", id, ErrNotFound)
	}
	return nil
}

// GetProposal fetches one proposal.
func (s *Store) GetProposal(id string) (*models.Proposal, error) {
	row := s.db.QueryRow(`SELECT `+proposalColumns+` FROM proposals WHERE id = ?`, id)
	p, err := scanProposalFrom(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return p, err
}

// GetReadyProposals returns all READY proposals, oldest first.
func (s *Store) GetReadyProposals() ([]models.Proposal, error) {
	rows, err := s.db.Query(`SELECT `+proposalColumns+` FROM proposals WHERE status = 'READY' ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("querying ready proposals: %w", err)
	}
	defer rows.Close()
	return scanProposals(rows)
}

// HasReadyProposal reports whether a READY proposal already exists for the
// (symbol, expiration, strategy) bucket. Only one may be outstanding.
func (s *Store) HasReadyProposal(symbol string, expiration time.Time, strategy models.Strategy) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM proposals
		WHERE status = 'READY' AND symbol = ? AND expiration = ? AND strategy = ?`,
		strings.ToUpper(symbol), expiration.Format("2006-01-02"), string(strategy)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("checking proposal bucket: %w", err)
	}
	return n > 0, nil
}

// GetRecentProposals returns proposals created at or after the cutoff,
// newest first. Used by the status dashboard.
func (s *Store) GetRecentProposals(cutoff time.Time, limit int) ([]models.Proposal, error) {
	rows, err := s.db.Query(`SELECT `+proposalColumns+` FROM proposals
		WHERE created_at >= ? ORDER BY created_at DESC LIMIT ?`,
		cutoff.UTC().Format(time.RFC3339), limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent proposals: %w", err)
	}
	defer rows.Close()
	return scanProposals(rows)
}

func scanProposals(rows *sql.Rows) ([]models.Proposal, error) {
	var out []models.Proposal
	for rows.Next() {
		p, err := scanProposalFrom(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func scanProposalFrom(scan func(...any) error) (*models.Proposal, error) {
	var (
		p                       models.Proposal
		expiration, createdAt   string
		strategy, kind          string
		status, outcome         string
		components              string
		linked, clientID, inval sql.NullString
	)
	err := scan(&p.ID, &p.Symbol, &expiration, &strategy, &kind, &status, &outcome,
		&p.ShortStrike, &p.LongStrike, &p.Width, &p.Quantity, &p.CreditTarget, &p.Score,
		&components, &linked, &clientID, &inval, &createdAt)
	if err != nil {
		return nil, err
	}

	p.Strategy = models.Strategy(strategy)
	p.Kind = models.ProposalKind(kind)
	p.Status = models.ProposalStatus(status)
	p.Outcome = models.ProposalOutcome(outcome)
	p.LinkedTradeID = linked.String
	p.ClientOrderID = clientID.String
	p.InvalidReason = inval.String

	if err := json.Unmarshal([]byte(components), &p.Components); err != nil {
		return nil, fmt.Errorf("decoding proposal components: %w", err)
	}
	if p.Expiration, err = time.Parse("2006-01-02", expiration); err != nil {
		return nil, fmt.Errorf("parsing proposal expiration: %w", err)
	}
	if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
		return nil, fmt.Errorf("parsing proposal created_at: %w", err)
	}
	return &p, nil
}
