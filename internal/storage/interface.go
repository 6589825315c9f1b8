package storage

import (
	"time"

	"github.com/gekkoworks/spreadbot/internal/models"
)

// Interface is the persistence contract the engines depend on. Store is the
// SQLite implementation; MockStore backs tests.
type Interface interface {
	Close() error

	// Trades
	CreateTrade(t *models.Trade) error
	UpdateTrade(t *models.Trade) error
	UpdateTradeStatus(id string, from, to models.TradeStatus) error
	GetTrade(id string) (*models.Trade, error)
	GetTradesByStatus(statuses ...models.TradeStatus) ([]models.Trade, error)
	GetTradeByEntryOrderID(brokerOrderID string) (*models.Trade, error)
	GetTradeByExitOrderID(brokerOrderID string) (*models.Trade, error)
	CountOpenSpreads() (int, error)
	CountOpenSpreadsBySymbol(symbol string) (int, error)
	CountTradesCreatedSince(cutoff time.Time) (int, error)
	SumRealizedPnLSince(cutoff time.Time) (float64, error)
	SumMaxLossByUnderlying(symbol string) (float64, error)
	SumMaxLossByExpiry(expiration time.Time) (float64, error)
	SumMaxLossCreatedSince(cutoff time.Time) (float64, error)

	// Proposals
	CreateProposal(p *models.Proposal) error
	UpdateProposal(p *models.Proposal) error
	ConsumeProposal(id, clientOrderID string) error
	GetProposal(id string) (*models.Proposal, error)
	GetReadyProposals() ([]models.Proposal, error)
	HasReadyProposal(symbol string, expiration time.Time, strategy models.Strategy) (bool, error)
	GetRecentProposals(cutoff time.Time, limit int) ([]models.Proposal, error)

	// Orders
	CreateOrder(o *models.Order) error
	UpdateOrder(o *models.Order) error
	GetOrderByClientID(clientOrderID string) (*models.Order, error)
	GetOrderByTradierID(tradierOrderID string) (*models.Order, error)
	GetOrdersByTrade(tradeID string) ([]models.Order, error)
	GetOrdersByProposal(proposalID string) ([]models.Order, error)

	// Portfolio mirror
	ReplacePositions(snapshotID string, positions []models.PortfolioPosition) error
	GetPositions() ([]models.PortfolioPosition, error)
	GetPositionBySymbol(optionSymbol string) (*models.PortfolioPosition, error)
	GetPositionsByUnderlying(underlying string) ([]models.PortfolioPosition, error)

	// Settings
	GetSetting(key string) (string, error)
	SetSetting(key, value string) error
	SeedSetting(key, value string) error
	GetSettingFloat(key string, fallback float64) float64
	GetSettingInt(key string, fallback int) int
	GetSettingBool(key string, fallback bool) bool
	GetSettingList(key string) []string
	SetSyncTimestamp(key string, t time.Time) error
	IsSyncFresh(key string, maxAge time.Duration, now time.Time) bool

	// Audit
	RecordBrokerEvent(ev BrokerEvent)
	LogSystem(logType, message, details string)
	RecordAccountSnapshot(snap AccountSnapshot) error
	GetLatestAccountSnapshot() (*AccountSnapshot, error)
	UpsertDailySummary(day string, realizedPnL float64, opened, closed, emergencyExits int) error
	GetDailySummary(day string) (*DailySummary, error)
}

// Compile-time check that Store satisfies Interface.
var _ Interface = (*Store)(nil)
