package businessflow

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/amirphl/orochi-dispatch/app/dto"
	"github.com/amirphl/orochi-dispatch/models"
	"github.com/amirphl/orochi-dispatch/repository"
	"github.com/amirphl/orochi-dispatch/utils"
	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"
)

// OperatorFlow serves the operator endpoints: read acknowledgements, balances and statements
type OperatorFlow interface {
	MarkRead(ctx context.Context, req *dto.MarkReadRequest, metadata *ClientMetadata) (*dto.MarkReadResponse, error)
	Deposit(ctx context.Context, req *dto.DepositRequest, metadata *ClientMetadata) (*dto.DepositResponse, error)
	ProviderBalances(ctx context.Context) (*dto.ProviderBalancesResponse, error)
	DownloadUsageStatement(ctx context.Context, req *dto.UsageStatementRequest) (string, []byte, error)
}

// OperatorFlowImpl implements OperatorFlow
type OperatorFlowImpl struct {
	accountRepo repository.AccountRepository
	ledgerRepo  repository.BalanceTransactionRepository
	policy      AccountPolicy
	reconciler  StatusReconciler
	logger      zerolog.Logger
}

// NewOperatorFlow creates a new operator flow instance
func NewOperatorFlow(
	accountRepo repository.AccountRepository,
	ledgerRepo repository.BalanceTransactionRepository,
	policy AccountPolicy,
	reconciler StatusReconciler,
	logger zerolog.Logger,
) OperatorFlow {
	return &OperatorFlowImpl{
		accountRepo: accountRepo,
		ledgerRepo:  ledgerRepo,
		policy:      policy,
		reconciler:  reconciler,
		logger:      logger.With().Str("component", "operator_flow").Logger(),
	}
}

func (f *OperatorFlowImpl) MarkRead(ctx context.Context, req *dto.MarkReadRequest, metadata *ClientMetadata) (*dto.MarkReadResponse, error) {
	readerName := req.ReaderName
	if readerName == "" && metadata != nil {
		readerName = metadata.Actor
	}
	changed, err := f.reconciler.MarkRead(ctx, ReaderAcknowledgement{
		MessageUUID: req.MessageUUID,
		ReaderID:    req.ReaderID,
		ReaderName:  readerName,
		ReadAt:      req.ReadAt,
	})
	if err != nil {
		return nil, err
	}
	return &dto.MarkReadResponse{MessageUUID: req.MessageUUID, Changed: changed}, nil
}

func (f *OperatorFlowImpl) Deposit(ctx context.Context, req *dto.DepositRequest, metadata *ClientMetadata) (*dto.DepositResponse, error) {
	performedBy := utils.SystemActor
	if metadata != nil && metadata.Actor != "" {
		performedBy = metadata.Actor
	}
	description := strings.TrimSpace(req.Description)
	if description == "" {
		description = "Operator deposit"
	}

	entry, err := f.policy.Deposit(ctx, req.AccountID, req.Amount, description, performedBy)
	if err != nil {
		return nil, err
	}
	resp := ToDepositResponse(entry)
	return &resp, nil
}

func (f *OperatorFlowImpl) ProviderBalances(ctx context.Context) (*dto.ProviderBalancesResponse, error) {
	return &dto.ProviderBalancesResponse{Items: f.reconciler.RefreshProviderBalances(ctx)}, nil
}

// DownloadUsageStatement renders the ledger of an account as an XLSX workbook with a
// ledger sheet and a summary sheet
func (f *OperatorFlowImpl) DownloadUsageStatement(ctx context.Context, req *dto.UsageStatementRequest) (string, []byte, error) {
	if req.StartDate != nil && req.EndDate != nil && req.StartDate.After(*req.EndDate) {
		return "", nil, NewBusinessError("VALIDATION_ERROR", "Start date cannot be after end date", ErrStartDateAfterEndDate)
	}

	account, err := f.accountRepo.ByID(ctx, req.AccountID)
	if err != nil {
		return "", nil, NewBusinessError("ACCOUNT_LOOKUP_FAILED", "Failed to lookup account", err)
	}
	if account == nil {
		return "", nil, NewBusinessError("ACCOUNT_NOT_FOUND", "Account not found", ErrAccountNotFound)
	}

	rows, err := f.ledgerRepo.ListByAccount(ctx, account.ID, utils.TimeToUTCPtr(req.StartDate), utils.TimeToUTCPtr(req.EndDate))
	if err != nil {
		return "", nil, NewBusinessError("FETCH_LEDGER_FAILED", "Failed to fetch balance transactions", err)
	}

	xl := excelize.NewFile()
	defer func() { _ = xl.Close() }()

	const ledgerSheet = "Ledger"
	xl.SetSheetName(xl.GetSheetName(0), ledgerSheet)

	header := []string{"uuid", "created_at", "type", "amount", "balance_before", "balance_after", "message_id", "description", "performed_by"}
	_ = xl.SetSheetRow(ledgerSheet, "A1", &header)

	var deposits, usage float64
	for ri, r := range rows {
		messageID := ""
		if r.MessageID != nil {
			messageID = strconv.FormatUint(uint64(*r.MessageID), 10)
		}
		record := []any{
			r.UUID.String(),
			r.CreatedAt.UTC().Format(time.RFC3339),
			string(r.Type),
			r.Amount,
			r.BalanceBefore,
			r.BalanceAfter,
			messageID,
			r.Description,
			r.PerformedBy,
		}
		cellRef, _ := excelize.CoordinatesToCellName(1, ri+2)
		_ = xl.SetSheetRow(ledgerSheet, cellRef, &record)

		switch r.Type {
		case models.BalanceTransactionTypeDeposit:
			deposits += r.Amount
		case models.BalanceTransactionTypeUsage:
			usage += r.Amount
		}
	}

	const summarySheet = "Summary"
	if _, err := xl.NewSheet(summarySheet); err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to create summary sheet", err)
	}
	summary := [][]any{
		{"account", account.Name},
		{"account_uuid", account.UUID.String()},
		{"period_start", formatOptionalTime(req.StartDate)},
		{"period_end", formatOptionalTime(req.EndDate)},
		{"deposits", deposits},
		{"usage", usage},
		{"transactions", len(rows)},
		{"current_balance", account.Balance},
		{"messages_sent", account.MessagesSentCounter},
	}
	for ri, row := range summary {
		cellRef, _ := excelize.CoordinatesToCellName(1, ri+1)
		_ = xl.SetSheetRow(summarySheet, cellRef, &row)
	}

	buf, err := xl.WriteToBuffer()
	if err != nil {
		return "", nil, NewBusinessError("EXCEL_WRITE_ERROR", "Failed to write Excel file", err)
	}

	f.logger.Info().
		Uint("account_id", account.ID).
		Int("rows", len(rows)).
		Msg("Usage statement exported")

	filename := fmt.Sprintf("usage_statement_%s.xlsx", account.UUID.String())
	return filename, buf.Bytes(), nil
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}
