package service

import (
	"context"
	"regexp"
	"time"

	"github.com/bwmarrin/snowflake"
	contractdomain "github.com/rentfolio/billing/internal/contract/domain"
	"github.com/rentfolio/billing/internal/money"
	partnerdomain "github.com/rentfolio/billing/internal/partner/domain"
	transactiondomain "github.com/rentfolio/billing/internal/transaction/domain"
	"github.com/rentfolio/billing/pkg/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var periodPattern = regexp.MustCompile(`^\d{4}-\d{2}$`)

type Params struct {
	fx.In

	DB    *gorm.DB
	Log   *zap.Logger
	GenID *snowflake.Node
}

type Service struct {
	db    *gorm.DB
	log   *zap.Logger
	genID *snowflake.Node

	settingsRepo repository.Repository[partnerdomain.Settings]
	contractRepo repository.Repository[contractdomain.Contract]
}

func NewService(p Params) transactiondomain.Service {
	return &Service{
		db:    p.DB,
		log:   p.Log.Named("transaction.service"),
		genID: p.GenID,

		settingsRepo: repository.ProvideStore[partnerdomain.Settings](p.DB),
		contractRepo: repository.ProvideStore[contractdomain.Contract](p.DB),
	}
}

func (s *Service) Create(ctx context.Context, tx *gorm.DB, candidate transactiondomain.Candidate) (bool, error) {
	if candidate.PartnerID == 0 {
		return false, transactiondomain.ErrInvalidPartner
	}
	if candidate.Type == "" || candidate.SubType == "" {
		return false, transactiondomain.ErrInvalidType
	}
	if !periodPattern.MatchString(candidate.Period) {
		return false, transactiondomain.ErrInvalidPeriod
	}
	if candidate.Amount.IsZero() {
		return false, transactiondomain.ErrInvalidAmount
	}

	settings, err := s.settingsRepo.WithTrx(tx).FindOne(ctx, &partnerdomain.Settings{PartnerID: candidate.PartnerID})
	if err != nil {
		return false, err
	}
	if settings == nil || !settings.TransactionsEnabled {
		return false, nil
	}

	row := transactiondomain.Transaction{
		ID:           s.genID.Generate(),
		PartnerID:    candidate.PartnerID,
		InvoiceID:    candidate.InvoiceID,
		PayoutID:     candidate.PayoutID,
		CorrectionID: candidate.CorrectionID,
		CommissionID: candidate.CommissionID,
		ContractID:   candidate.ContractID,
		Type:         candidate.Type,
		SubType:      candidate.SubType,
		Amount:       money.RoundTo2(candidate.Amount),
		Period:       candidate.Period,

		CompanyName:       settings.CompanyName,
		BankAccountNumber: settings.BankAccountNumber,
	}

	if candidate.ContractID != 0 {
		contract, err := s.contractRepo.WithTrx(tx).FindOne(ctx, &contractdomain.Contract{ID: candidate.ContractID})
		if err != nil {
			return false, err
		}
		if contract != nil {
			row.PropertyID = contract.PropertyID
			row.TenantID = contract.TenantID
			row.AccountID = contract.AccountID
			row.AgentID = contract.AgentID
			row.BranchID = contract.BranchID
		}
	}

	return s.insertIfAbsent(ctx, tx, row)
}

// insertIfAbsent is the append-if-absent operation: one conditional insert
// keyed by the fingerprint index, never a separate read followed by a write.
func (s *Service) insertIfAbsent(ctx context.Context, tx *gorm.DB, row transactiondomain.Transaction) (bool, error) {
	result := tx.WithContext(ctx).Exec(
		`INSERT INTO transactions (
			id, partner_id, invoice_id, payout_id, correction_id, commission_id,
			contract_id, type, sub_type, amount, period, property_id, tenant_id,
			account_id, agent_id, branch_id, company_name, bank_account_number, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (partner_id, invoice_id, payout_id, correction_id, type, sub_type, amount) DO NOTHING`,
		row.ID,
		row.PartnerID,
		row.InvoiceID,
		row.PayoutID,
		row.CorrectionID,
		row.CommissionID,
		row.ContractID,
		string(row.Type),
		string(row.SubType),
		row.Amount,
		row.Period,
		row.PropertyID,
		row.TenantID,
		row.AccountID,
		row.AgentID,
		row.BranchID,
		row.CompanyName,
		row.BankAccountNumber,
		time.Now().UTC(),
	)
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		s.log.Info("transaction already recorded",
			zap.String("partner_id", row.PartnerID.String()),
			zap.String("type", string(row.Type)),
			zap.String("sub_type", string(row.SubType)),
			zap.String("amount", row.Amount.String()),
		)
		return false, nil
	}
	return true, nil
}

type summaryRow struct {
	Type    string
	SubType string
	Total   decimal.Decimal
}

func (s *Service) Summarize(ctx context.Context, partnerID snowflake.ID, period string) ([]transactiondomain.Summary, error) {
	if partnerID == 0 {
		return nil, transactiondomain.ErrInvalidPartner
	}
	if !periodPattern.MatchString(period) {
		return nil, transactiondomain.ErrInvalidPeriod
	}

	var rows []summaryRow
	err := s.db.WithContext(ctx).Raw(
		`SELECT type, sub_type,
		        SUM(CASE WHEN sub_type = ? THEN -amount ELSE amount END) AS total
		 FROM transactions
		 WHERE partner_id = ? AND period = ?
		 GROUP BY type, sub_type
		 ORDER BY type, sub_type`,
		string(transactiondomain.SubTypeLossRecognition),
		partnerID,
		period,
	).Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	summaries := make([]transactiondomain.Summary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, transactiondomain.Summary{
			Type:    transactiondomain.Type(row.Type),
			SubType: transactiondomain.SubType(row.SubType),
			Total:   money.RoundTo2(row.Total),
		})
	}
	return summaries, nil
}
