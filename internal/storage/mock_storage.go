package storage

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gekkoworks/spreadbot/internal/models"
)

// MockStore is an in-memory Interface implementation for tests.
type MockStore struct {
	mu sync.Mutex

	trades    map[string]*models.Trade
	proposals map[string]*models.Proposal
	orders    map[string]*models.Order
	positions map[string]*models.PortfolioPosition
	settings  map[string]string

	BrokerEvents []BrokerEvent
	SystemLogs   []string
	Snapshots    []AccountSnapshot
	Summaries    map[string]*DailySummary
}

// NewMockStore returns an empty mock.
func NewMockStore() *MockStore {
	return &MockStore{
		trades:    make(map[string]*models.Trade),
		proposals: make(map[string]*models.Proposal),
		orders:    make(map[string]*models.Order),
		positions: make(map[string]*models.PortfolioPosition),
		settings:  make(map[string]string),
		Summaries: make(map[string]*DailySummary),
	}
}

var _ Interface = (*MockStore)(nil)

func (m *MockStore) Close() error { return nil }

func (m *MockStore) CreateTrade(t *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *t
	m.trades[t.ID] = &cp
	return nil
}

func (m *MockStore) UpdateTrade(t *models.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.trades[t.ID]; !ok {
		return ErrNotFound
	}
	cp := *t
	m.trades[t.ID] = &cp
	return nil
}

func (m *MockStore) UpdateTradeStatus(id string, from, to models.TradeStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok || t.Status != from {
		return ErrNotFound
	}
	t.Status = to
	return nil
}

func (m *MockStore) GetTrade(id string) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trades[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *MockStore) GetTradesByStatus(statuses ...models.TradeStatus) ([]models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Trade
	for _, t := range m.trades {
		for _, st := range statuses {
			if t.Status == st {
				out = append(out, *t)
				break
			}
		}
	}
	return out, nil
}

func (m *MockStore) GetTradeByEntryOrderID(brokerOrderID string) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trades {
		if t.BrokerOrderIDOpen == brokerOrderID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) GetTradeByExitOrderID(brokerOrderID string) (*models.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.trades {
		if t.BrokerOrderIDClose == brokerOrderID {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) CountOpenSpreads() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.trades {
		if openSpreadStatus(t.Status) {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) CountOpenSpreadsBySymbol(symbol string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.trades {
		if t.Symbol == symbol && openSpreadStatus(t.Status) {
			n++
		}
	}
	return n, nil
}

func openSpreadStatus(s models.TradeStatus) bool {
	switch s {
	case models.StatusEntryPending, models.StatusOpen, models.StatusClosingPending, models.StatusExitError:
		return true
	default:
		return false
	}
}

func (m *MockStore) CountTradesCreatedSince(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.trades {
		if !t.CreatedAt.Before(cutoff) {
			n++
		}
	}
	return n, nil
}

func (m *MockStore) SumRealizedPnLSince(cutoff time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, t := range m.trades {
		if t.RealizedPnL != nil && t.ClosedAt != nil && !t.ClosedAt.Before(cutoff) {
			sum += *t.RealizedPnL
		}
	}
	return sum, nil
}

func (m *MockStore) SumMaxLossByUnderlying(symbol string) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, t := range m.trades {
		if t.Symbol == symbol && openSpreadStatus(t.Status) {
			sum += t.MaxLoss
		}
	}
	return sum, nil
}

func (m *MockStore) SumMaxLossByExpiry(expiration time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := expiration.Format("2006-01-02")
	var sum float64
	for _, t := range m.trades {
		if t.Expiration.Format("2006-01-02") == day && openSpreadStatus(t.Status) {
			sum += t.MaxLoss
		}
	}
	return sum, nil
}

func (m *MockStore) SumMaxLossCreatedSince(cutoff time.Time) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, t := range m.trades {
		if !t.CreatedAt.Before(cutoff) && t.Status != models.StatusCancelled {
			sum += t.MaxLoss
		}
	}
	return sum, nil
}

func (m *MockStore) CreateProposal(p *models.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.proposals[p.ID] = &cp
	return nil
}

func (m *MockStore) UpdateProposal(p *models.Proposal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.proposals[p.ID]; !ok {
		return ErrNotFound
	}
	cp := *p
	m.proposals[p.ID] = &cp
	return nil
}

func (m *MockStore) ConsumeProposal(id, clientOrderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok || p.Status != models.ProposalReady {
		return ErrNotFound
	}
	p.Status = models.ProposalConsumed
	p.ClientOrderID = clientOrderID
	return nil
}

func (m *MockStore) GetProposal(id string) (*models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockStore) GetReadyProposals() ([]models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Proposal
	for _, p := range m.proposals {
		if p.Status == models.ProposalReady {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MockStore) HasReadyProposal(symbol string, expiration time.Time, strategy models.Strategy) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	day := expiration.Format("2006-01-02")
	for _, p := range m.proposals {
		if p.Status == models.ProposalReady && p.Symbol == symbol &&
			p.Expiration.Format("2006-01-02") == day && p.Strategy == strategy {
			return true, nil
		}
	}
	return false, nil
}

func (m *MockStore) GetRecentProposals(cutoff time.Time, limit int) ([]models.Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Proposal
	for _, p := range m.proposals {
		if !p.CreatedAt.Before(cutoff) {
			out = append(out, *p)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) CreateOrder(o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MockStore) UpdateOrder(o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MockStore) GetOrderByClientID(clientOrderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.ClientOrderID == clientOrderID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) GetOrderByTradierID(tradierOrderID string) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range m.orders {
		if o.TradierOrderID == tradierOrderID {
			cp := *o
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MockStore) GetOrdersByTrade(tradeID string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.TradeID == tradeID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *MockStore) GetOrdersByProposal(proposalID string) ([]models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Order
	for _, o := range m.orders {
		if o.ProposalID == proposalID {
			out = append(out, *o)
		}
	}
	return out, nil
}

func (m *MockStore) ReplacePositions(snapshotID string, positions []models.PortfolioPosition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = make(map[string]*models.PortfolioPosition, len(positions))
	for i := range positions {
		cp := positions[i]
		cp.SnapshotID = snapshotID
		m.positions[cp.OptionSymbol] = &cp
	}
	return nil
}

func (m *MockStore) GetPositions() ([]models.PortfolioPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.PortfolioPosition, 0, len(m.positions))
	for _, p := range m.positions {
		out = append(out, *p)
	}
	return out, nil
}

func (m *MockStore) GetPositionBySymbol(optionSymbol string) (*models.PortfolioPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.positions[optionSymbol]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MockStore) GetPositionsByUnderlying(underlying string) ([]models.PortfolioPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PortfolioPosition
	for _, p := range m.positions {
		if p.Underlying == underlying {
			out = append(out, *p)
		}
	}
	return out, nil
}

func (m *MockStore) GetSetting(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MockStore) SetSetting(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *MockStore) SeedSetting(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.settings[key]; !ok {
		m.settings[key] = value
	}
	return nil
}

func (m *MockStore) GetSettingFloat(key string, fallback float64) float64 {
	raw, err := m.GetSetting(key)
	if err != nil {
		return fallback
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fallback
	}
	return v
}

func (m *MockStore) GetSettingInt(key string, fallback int) int {
	raw, err := m.GetSetting(key)
	if err != nil {
		return fallback
	}
	v, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fallback
	}
	return v
}

func (m *MockStore) GetSettingBool(key string, fallback bool) bool {
	raw, err := m.GetSetting(key)
	if err != nil {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "true", "1":
		return true
	case "false", "0":
		return false
	default:
		return fallback
	}
}

func (m *MockStore) GetSettingList(key string) []string {
	raw, err := m.GetSetting(key)
	if err != nil {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, strings.ToUpper(trimmed))
		}
	}
	return out
}

func (m *MockStore) SetSyncTimestamp(key string, t time.Time) error {
	return m.SetSetting(key, t.UTC().Format(time.RFC3339))
}

func (m *MockStore) IsSyncFresh(key string, maxAge time.Duration, now time.Time) bool {
	raw, err := m.GetSetting(key)
	if err != nil {
		return false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return false
	}
	return now.Sub(ts) <= maxAge
}

func (m *MockStore) RecordBrokerEvent(ev BrokerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.BrokerEvents = append(m.BrokerEvents, ev)
}

func (m *MockStore) LogSystem(logType, message, details string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.SystemLogs = append(m.SystemLogs, logType+": "+message)
	_ = details
}

func (m *MockStore) RecordAccountSnapshot(snap AccountSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Snapshots = append(m.Snapshots, snap)
	return nil
}

func (m *MockStore) GetLatestAccountSnapshot() (*AccountSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Snapshots) == 0 {
		return nil, ErrNotFound
	}
	snap := m.Snapshots[len(m.Snapshots)-1]
	return &snap, nil
}

func (m *MockStore) UpsertDailySummary(day string, realizedPnL float64, opened, closed, emergencyExits int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Summaries[day]
	if !ok {
		d = &DailySummary{Day: day}
		m.Summaries[day] = d
	}
	d.RealizedPnL += realizedPnL
	d.TradesOpened += opened
	d.TradesClosed += closed
	d.EmergencyExits += emergencyExits
	return nil
}

func (m *MockStore) GetDailySummary(day string) (*DailySummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.Summaries[day]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}
