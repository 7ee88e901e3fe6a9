package adapter

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/aclindsa/ofxgo"

	"github.com/rumor-ml/commons.systems/ledgersync/internal/domain"
)

// OFXDirAdapter ingests OFX/QFX statement files dropped into the
// connection's data directory. Each selected file is served as one
// page: a REPORT_PAYLOAD record describing the file, the statement's
// transactions, and the ledger balance as a CASH_BALANCE record.
//
// The requested date range is advisory for this source. Statement
// files are authoritative for the period they cover, and the
// idempotency layer absorbs any overlap between files.
type OFXDirAdapter struct{}

// NewOFXDirAdapter returns the offline OFX adapter. Stateless; safe
// for concurrent use.
func NewOFXDirAdapter() *OFXDirAdapter {
	return &OFXDirAdapter{}
}

func (a *OFXDirAdapter) Traits() Traits {
	return Traits{Class: ClassFile, EmptyPageContinues: true}
}

// statementExts are the extensions this adapter consumes out of the
// selected file set. Other supported extensions belong to other
// connectors sharing the same data directory.
var statementExts = map[string]bool{
	".ofx": true,
	".qfx": true,
}

func statementFiles(files []FileInfo) []FileInfo {
	var out []FileInfo
	for _, f := range files {
		if statementExts[strings.ToLower(filepath.Ext(f.Name))] {
			out = append(out, f)
		}
	}
	return out
}

func (a *OFXDirAdapter) ListAccounts(_ context.Context, rc *RunContext) ([]domain.ProviderAccount, error) {
	files := statementFiles(rc.SelectedFiles)
	seen := make(map[string]bool)
	var accounts []domain.ProviderAccount
	for _, f := range files {
		stmt, err := parseStatementFile(f.Path)
		if err != nil {
			return nil, err
		}
		if seen[stmt.accountID] {
			continue
		}
		seen[stmt.accountID] = true
		accounts = append(accounts, domain.ProviderAccount{
			ProviderAccountID: stmt.accountID,
			Name:              stmt.accountName,
			AccountType:       stmt.accountType,
		})
	}
	return accounts, nil
}

func (a *OFXDirAdapter) FetchPage(_ context.Context, rc *RunContext, _, _ time.Time, cursor string) ([]domain.Record, string, error) {
	files := statementFiles(rc.SelectedFiles)

	idx := 0
	if cursor != "" {
		var err error
		idx, err = strconv.Atoi(cursor)
		if err != nil {
			return nil, "", &ProviderError{Op: "fetch page", Err: fmt.Errorf("bad cursor %q: %w", cursor, err)}
		}
	}
	if idx >= len(files) {
		return nil, "", nil
	}

	f := files[idx]
	stmt, err := parseStatementFile(f.Path)
	if err != nil {
		return nil, "", err
	}

	records := make([]domain.Record, 0, len(stmt.records)+2)
	records = append(records, domain.Record{
		Kind:         domain.KindReportPayload,
		PayloadHash:  f.Hash,
		PayloadBytes: int(f.Bytes),
		SourceFile:   f.Name,
		Description:  "OFX statement file",
	})
	for _, r := range stmt.records {
		r.ProviderAccountID = stmt.accountID
		r.SourceFile = f.Name
		records = append(records, r)
	}
	if stmt.balance != nil {
		b := *stmt.balance
		b.ProviderAccountID = stmt.accountID
		b.SourceFile = f.Name
		records = append(records, b)
	}
	rc.NewPayloadHashes = append(rc.NewPayloadHashes, f.Hash)

	next := ""
	if idx+1 < len(files) {
		next = strconv.Itoa(idx + 1)
	}
	return records, next, nil
}

// FetchHoldings reads a point-in-time holdings snapshot from the JSON
// file the engine selected. OFX statement files carry no position
// data this adapter interprets, so holdings travel as sidecar files.
func (a *OFXDirAdapter) FetchHoldings(_ context.Context, rc *RunContext, asOf time.Time) (*domain.HoldingsPayload, error) {
	if rc.HoldingsFilePath == "" {
		return &domain.HoldingsPayload{AsOf: asOf}, nil
	}
	var holdings domain.HoldingsPayload
	if err := readJSONFixture(rc.HoldingsFilePath, &holdings); err != nil {
		return nil, err
	}
	if holdings.AsOf.IsZero() {
		holdings.AsOf = asOf
	}
	holdings.SourceFile = filepath.Base(rc.HoldingsFilePath)
	return &holdings, nil
}

func (a *OFXDirAdapter) Probe(_ context.Context, rc *RunContext) ProbeResult {
	dir := ""
	if rc.Connection != nil {
		dir = rc.Connection.DataDir
	}
	if dir == "" {
		return ProbeResult{OK: false, Message: "no data_dir configured"}
	}
	files, _, err := ScanDataDir(dir, FileTransactions, nil)
	if err != nil {
		return ProbeResult{OK: false, Message: fmt.Sprintf("FAIL scanning %s: %v", dir, err)}
	}
	files = statementFiles(files)
	if len(files) == 0 {
		return ProbeResult{OK: false, Message: fmt.Sprintf("no OFX/QFX files under %s", dir)}
	}
	if _, err := parseStatementFile(files[0].Path); err != nil {
		return ProbeResult{OK: false, Message: fmt.Sprintf("FAIL parsing %s: %v", files[0].Name, err)}
	}
	return ProbeResult{OK: true, Message: fmt.Sprintf("OK (%d statement files)", len(files))}
}

// parsedStatement is one statement file reduced to wire records.
type parsedStatement struct {
	accountID   string
	accountName string
	accountType string
	records     []domain.Record
	balance     *domain.Record
}

func parseStatementFile(path string) (*parsedStatement, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ProviderError{Op: "open statement", Err: err}
	}
	defer f.Close()

	resp, err := ofxgo.ParseResponse(f)
	if err != nil {
		return nil, &ProviderError{Op: "parse statement", Err: fmt.Errorf("%s: %w", filepath.Base(path), err)}
	}

	switch {
	case len(resp.CreditCard) > 0:
		return parseCreditCardStatement(resp)
	case len(resp.Bank) > 0:
		return parseBankStatement(resp)
	case len(resp.InvStmt) > 0:
		return parseInvestmentStatement(resp)
	default:
		return nil, &ProviderError{Op: "parse statement", Err: fmt.Errorf("%s: no statement in OFX response", filepath.Base(path))}
	}
}

func parseCreditCardStatement(resp *ofxgo.Response) (*parsedStatement, error) {
	stmt, ok := resp.CreditCard[0].(*ofxgo.CCStatementResponse)
	if !ok {
		return nil, &ProviderError{Op: "parse statement", Err: fmt.Errorf("unexpected credit card statement type %T", resp.CreditCard[0])}
	}
	accountID := stmt.CCAcctFrom.AcctID.String()
	if accountID == "" {
		return nil, &ProviderError{Op: "parse statement", Err: fmt.Errorf("missing account ID in credit card statement")}
	}

	out := &parsedStatement{
		accountID:   accountID,
		accountName: resp.Signon.Org.String(),
		accountType: "CREDIT",
	}
	currency := stmt.CurDef.String()
	if stmt.BankTranList != nil {
		out.records = extractBankTransactions(stmt.BankTranList, currency)
	}
	out.balance = cashBalanceRecord(stmt.BalAmt, stmt.DtAsOf.Time, currency)
	return out, nil
}

func parseBankStatement(resp *ofxgo.Response) (*parsedStatement, error) {
	stmt, ok := resp.Bank[0].(*ofxgo.StatementResponse)
	if !ok {
		return nil, &ProviderError{Op: "parse statement", Err: fmt.Errorf("unexpected bank statement type %T", resp.Bank[0])}
	}
	accountID := stmt.BankAcctFrom.AcctID.String()
	if accountID == "" {
		return nil, &ProviderError{Op: "parse statement", Err: fmt.Errorf("missing account ID in bank statement")}
	}

	accountType := "BANK"
	switch stmt.BankAcctFrom.AcctType {
	case ofxgo.AcctTypeChecking:
		accountType = "CHECKING"
	case ofxgo.AcctTypeSavings:
		accountType = "SAVINGS"
	}

	out := &parsedStatement{
		accountID:   accountID,
		accountName: resp.Signon.Org.String(),
		accountType: accountType,
	}
	currency := stmt.CurDef.String()
	if stmt.BankTranList != nil {
		out.records = extractBankTransactions(stmt.BankTranList, currency)
	}
	out.balance = cashBalanceRecord(stmt.BalAmt, stmt.DtAsOf.Time, currency)
	return out, nil
}

func parseInvestmentStatement(resp *ofxgo.Response) (*parsedStatement, error) {
	stmt, ok := resp.InvStmt[0].(*ofxgo.InvStatementResponse)
	if !ok {
		return nil, &ProviderError{Op: "parse statement", Err: fmt.Errorf("unexpected investment statement type %T", resp.InvStmt[0])}
	}
	accountID := stmt.InvAcctFrom.AcctID.String()
	if accountID == "" {
		return nil, &ProviderError{Op: "parse statement", Err: fmt.Errorf("missing account ID in investment statement")}
	}

	out := &parsedStatement{
		accountID:   accountID,
		accountName: resp.Signon.Org.String(),
		accountType: "INVESTMENT",
	}
	// Only the cash movement sublists are interpreted. Security trades
	// arrive through broker exports, not OFX statements.
	if stmt.InvTranList != nil {
		currency := stmt.CurDef.String()
		for _, invBank := range stmt.InvTranList.BankTransactions {
			out.records = append(out.records, extractBankTransactionSlice(invBank.Transactions, currency)...)
		}
	}
	return out, nil
}

func extractBankTransactions(list *ofxgo.TransactionList, currency string) []domain.Record {
	return extractBankTransactionSlice(list.Transactions, currency)
}

func extractBankTransactionSlice(txns []ofxgo.Transaction, currency string) []domain.Record {
	records := make([]domain.Record, 0, len(txns))
	for i, txn := range txns {
		date := txn.DtPosted.Time
		if date.IsZero() {
			date = txn.DtUser.Time
		}
		description := strings.TrimSpace(txn.Name.String())
		if description == "" {
			description = strings.TrimSpace(txn.Memo.String())
		}
		amount, _ := txn.TrnAmt.Float64()

		r := domain.Record{
			Kind:          domain.KindTransaction,
			Type:          mapStatementTxnType(txn.TrnType.String()),
			Description:   description,
			ProviderTxnID: txn.FiTID.String(),
			Amount:        fptr(amount),
			Currency:      currency,
			SourceRow:     i,
		}
		if !date.IsZero() {
			r.Date = date.Format(domain.DateLayout)
		}
		records = append(records, r)
	}
	return records
}

// mapStatementTxnType folds OFX transaction type names, as produced by
// the library's String accessor, into the raw labels the normalizer
// understands. Unmapped names fall through as-is and normalize to
// OTHER.
func mapStatementTxnType(name string) string {
	switch name {
	case "XFER":
		return "TRANSFER"
	case "DEP", "DIRECTDEP":
		return "DEPOSIT"
	case "FEE", "SRVCHG":
		return "FEE"
	case "INT":
		return "INTEREST"
	case "DIV":
		return "DIVIDEND"
	default:
		return name
	}
}

func cashBalanceRecord(bal ofxgo.Amount, asOf time.Time, currency string) *domain.Record {
	if asOf.IsZero() {
		return nil
	}
	amount, _ := bal.Float64()
	return &domain.Record{
		Kind:     domain.KindCashBalance,
		Amount:   fptr(amount),
		Currency: currency,
		AsOfDate: asOf.Format(domain.DateLayout),
	}
}

func fptr(v float64) *float64 { return &v }
