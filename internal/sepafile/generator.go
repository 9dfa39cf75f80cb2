package sepafile

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"incasso/internal/batch"
	id "incasso/pkg/domain"
	dErrors "incasso/pkg/domain-errors"
	"incasso/pkg/iban"
)

// Creditor is the collecting party stamped on every file.
type Creditor struct {
	ID   string
	Name string
	IBAN string
	BIC  string
}

type Generator struct {
	creditor Creditor
	tracer   trace.Tracer
}

func NewGenerator(creditor Creditor) (*Generator, error) {
	if err := iban.ValidateCreditorID(creditor.ID); err != nil {
		return nil, err
	}
	creditor.IBAN = iban.Normalize(creditor.IBAN)
	if err := iban.Validate(creditor.IBAN); err != nil {
		return nil, err
	}
	if err := iban.ValidateBIC(creditor.BIC); err != nil {
		return nil, err
	}
	if creditor.Name == "" {
		return nil, errors.New("sepafile: creditor name is required")
	}
	return &Generator{
		creditor: creditor,
		tracer:   otel.Tracer("incasso/sepafile"),
	}, nil
}

// File is one rendered pain.008 document.
type File struct {
	BatchID id.BatchID
	Name    string
	Body    []byte
	TxCount int
	Total   id.Cents
}

// Generate renders one batch. Control totals are recomputed here from the
// transactions, never trusted from the batch record; a mismatch means the
// stored batch is corrupt and must not reach the bank.
func (g *Generator) Generate(ctx context.Context, b batch.Batch, txs []batch.Transaction) (File, error) {
	_, span := g.tracer.Start(ctx, "sepafile.Generate")
	defer span.End()
	span.SetAttributes(
		attribute.String("batch.id", b.ID.String()),
		attribute.Int("batch.tx_count", len(txs)),
	)

	if len(txs) == 0 {
		return File{}, dErrors.New(dErrors.CodeCompliance, "batch has no transactions")
	}

	var total id.Cents
	lines := make([]DirectDebitTx, 0, len(txs))
	for _, tx := range txs {
		line, err := g.line(tx)
		if err != nil {
			return File{}, err
		}
		lines = append(lines, line)
		total += tx.Amount
	}

	if total != b.TotalAmount {
		return File{}, dErrors.Newf(dErrors.CodeCompliance,
			"control sum mismatch: batch records %s, transactions sum to %s",
			b.TotalAmount.Decimal(), total.Decimal())
	}
	if len(txs) != b.TxCount {
		return File{}, dErrors.Newf(dErrors.CodeCompliance,
			"transaction count mismatch: batch records %d, found %d", b.TxCount, len(txs))
	}

	now := time.Now().UTC()
	doc := Document{
		Xmlns: namespace,
		Initn: Initiation{
			GroupHeader: GroupHeader{
				MessageID:       "MSG-" + b.ID.String(),
				CreatedDateTime: now.Format("2006-01-02T15:04:05"),
				TxCount:         len(txs),
				ControlSum:      total.Decimal(),
				InitiatingParty: Party{Name: g.creditor.Name},
			},
			PaymentInfo: []PaymentInfo{{
				ID:           b.ID.String(),
				Method:       "DD",
				BatchBooking: true,
				TxCount:      len(txs),
				ControlSum:   total.Decimal(),
				PaymentType: PaymentType{
					ServiceLevel:    Coded{Code: "SEPA"},
					LocalInstrument: Coded{Code: "CORE"},
					SequenceType:    string(b.SequenceType),
				},
				RequestedCollection: b.ExecutionDate.Format("2006-01-02"),
				Creditor:            Party{Name: g.creditor.Name},
				CreditorAccount:     Account{ID: AccountID{IBAN: g.creditor.IBAN}},
				CreditorAgent:       Agent{Institution: Institution{BIC: g.creditor.BIC}},
				ChargeBearer:        "SLEV",
				CreditorScheme: CreditorScheme{ID: SchemeID{PrivateID: PrivateID{Other: SchemeOther{
					ID:         g.creditor.ID,
					SchemeName: SchemeName{Proprietary: "SEPA"},
				}}}},
				Transactions: lines,
			}},
		},
	}

	body, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return File{}, fmt.Errorf("marshal pain.008 document: %w", err)
	}
	body = append([]byte(xml.Header), body...)

	return File{
		BatchID: b.ID,
		Name:    fmt.Sprintf("pain008-%s-%s.xml", b.ExecutionDate.Format("20060102"), b.ID),
		Body:    body,
		TxCount: len(txs),
		Total:   total,
	}, nil
}

// line re-validates the fields frozen at composition time. Validation already
// ran at mandate registration; running it again at the emission boundary keeps
// a corrupted row from reaching the bank.
func (g *Generator) line(tx batch.Transaction) (DirectDebitTx, error) {
	if tx.Amount <= 0 {
		return DirectDebitTx{}, dErrors.Newf(dErrors.CodeCompliance,
			"transaction %s has non-positive amount", tx.EndToEndID)
	}
	debtorIBAN := iban.Normalize(tx.DebtorIBAN)
	if err := iban.Validate(debtorIBAN); err != nil {
		return DirectDebitTx{}, dErrors.Wrap(err, dErrors.CodeCompliance,
			fmt.Sprintf("transaction %s debtor IBAN", tx.EndToEndID))
	}
	if err := iban.ValidateBIC(tx.DebtorBIC); err != nil {
		return DirectDebitTx{}, dErrors.Wrap(err, dErrors.CodeCompliance,
			fmt.Sprintf("transaction %s debtor BIC", tx.EndToEndID))
	}

	return DirectDebitTx{
		PaymentID: PaymentID{EndToEndID: string(tx.EndToEndID)},
		Amount:    Amount{Currency: string(tx.Currency), Value: tx.Amount.Decimal()},
		DirectDebitTx: MandateInfo{Related: RelatedMandate{
			MandateID:     string(tx.MandateRef),
			SignatureDate: tx.SignatureDate.Format("2006-01-02"),
		}},
		DebtorAgent:   Agent{Institution: Institution{BIC: tx.DebtorBIC}},
		Debtor:        Party{Name: tx.MemberID.String()},
		DebtorAccount: Account{ID: AccountID{IBAN: debtorIBAN}},
		Remittance:    Remittance{Unstructured: tx.Remittance},
	}, nil
}

// GenerateAll renders distinct batches in parallel. Rendering is
// side-effect-free, so the only shared state is the result slice, indexed per
// goroutine.
func (g *Generator) GenerateAll(ctx context.Context, store batch.Store, batches []batch.Batch) ([]File, error) {
	ctx, span := g.tracer.Start(ctx, "sepafile.GenerateAll")
	defer span.End()
	span.SetAttributes(attribute.Int("batches.count", len(batches)))

	files := make([]File, len(batches))
	eg, ctx := errgroup.WithContext(ctx)
	for i, b := range batches {
		eg.Go(func() error {
			txs, err := store.ListTransactions(ctx, b.ID)
			if err != nil {
				return fmt.Errorf("list transactions for %s: %w", b.ID, err)
			}
			f, err := g.Generate(ctx, b, txs)
			if err != nil {
				return err
			}
			files[i] = f
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return files, nil
}
