package service

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/suite"

	"incasso/internal/audit"
	"incasso/internal/mandate"
	id "incasso/pkg/domain"
	dErrors "incasso/pkg/domain-errors"
)

const testCreditorID = "NL43ZZZ3020884160000"

type ServiceSuite struct {
	suite.Suite
	store    *mandate.InMemoryStore
	auditLog *audit.InMemoryStore
	service  *Service
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = mandate.NewInMemoryStore()
	s.auditLog = audit.NewInMemoryStore()

	var err error
	s.service, err = New(s.store, testCreditorID,
		WithAuditPublisher(audit.NewPublisher(s.auditLog)),
	)
	s.Require().NoError(err)
}

func (s *ServiceSuite) register(ref string, seq mandate.SequenceType) mandate.Mandate {
	m, err := s.service.Register(context.Background(), RegisterRequest{
		Reference:    id.MandateRef(ref),
		MemberID:     id.MemberID(uuid.New()),
		IBAN:         "NL91ABNA0417164300",
		SequenceType: seq,
		Actor:        "tester",
	})
	s.Require().NoError(err)
	return m
}

func (s *ServiceSuite) TestNew() {
	s.Run("nil store returns error", func() {
		_, err := New(nil, testCreditorID)
		s.Error(err)
	})

	s.Run("invalid creditor id returns error", func() {
		_, err := New(mandate.NewInMemoryStore(), "NL44ZZZ3020884160000")
		s.Error(err)
	})
}

func (s *ServiceSuite) TestRegister() {
	ctx := context.Background()

	s.Run("valid iban registers as draft with derived bic", func() {
		m := s.register("MND-001", mandate.SequenceFirst)
		s.Equal(mandate.StatusDraft, m.Status)
		s.Equal("ABNANL2A", m.BIC)
		s.Equal(testCreditorID, m.CreditorID)
		s.Zero(m.UsageCount)
	})

	s.Run("flipped checksum digit is rejected", func() {
		_, err := s.service.Register(ctx, RegisterRequest{
			Reference:    "MND-BAD",
			MemberID:     id.MemberID(uuid.New()),
			IBAN:         "NL91ABNA0417164301",
			SequenceType: mandate.SequenceFirst,
		})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("iban is normalized before validation", func() {
		m, err := s.service.Register(ctx, RegisterRequest{
			Reference:    "MND-SPACED",
			MemberID:     id.MemberID(uuid.New()),
			IBAN:         "nl91 abna 0417 1643 00",
			SequenceType: mandate.SequenceRecurring,
		})
		s.Require().NoError(err)
		s.Equal("NL91ABNA0417164300", m.IBAN)
	})

	s.Run("explicit bad bic is rejected", func() {
		_, err := s.service.Register(ctx, RegisterRequest{
			Reference:    "MND-BIC",
			MemberID:     id.MemberID(uuid.New()),
			IBAN:         "NL91ABNA0417164300",
			BIC:          "nope",
			SequenceType: mandate.SequenceFirst,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("unknown sequence type is rejected", func() {
		_, err := s.service.Register(ctx, RegisterRequest{
			Reference:    "MND-SEQ",
			MemberID:     id.MemberID(uuid.New()),
			IBAN:         "NL91ABNA0417164300",
			SequenceType: "FNAL",
		})
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("duplicate reference conflicts", func() {
		s.register("MND-DUP", mandate.SequenceFirst)
		_, err := s.service.Register(ctx, RegisterRequest{
			Reference:    "MND-DUP",
			MemberID:     id.MemberID(uuid.New()),
			IBAN:         "NL91ABNA0417164300",
			SequenceType: mandate.SequenceFirst,
		})
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))
	})
}

func (s *ServiceSuite) TestActivate() {
	ctx := context.Background()

	s.Run("draft with evidence becomes active", func() {
		m := s.register("MND-ACT", mandate.SequenceFirst)
		s.Require().NoError(s.service.Activate(ctx, m.Reference, "tester", "scan-0001"))

		got, err := s.service.Get(ctx, m.Reference)
		s.Require().NoError(err)
		s.Equal(mandate.StatusActive, got.Status)
	})

	s.Run("missing evidence is rejected", func() {
		m := s.register("MND-EVD", mandate.SequenceFirst)
		err := s.service.Activate(ctx, m.Reference, "tester", "")
		s.True(dErrors.HasCode(err, dErrors.CodeValidation))
	})

	s.Run("non-draft mandate cannot activate", func() {
		m := s.register("MND-TWICE", mandate.SequenceFirst)
		s.Require().NoError(s.service.Activate(ctx, m.Reference, "tester", "scan-0002"))
		err := s.service.Activate(ctx, m.Reference, "tester", "scan-0002")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})

	s.Run("second active recurring mandate per member conflicts", func() {
		member := id.MemberID(uuid.New())
		first, err := s.service.Register(ctx, RegisterRequest{
			Reference: "MND-U1", MemberID: member,
			IBAN: "NL91ABNA0417164300", SequenceType: mandate.SequenceRecurring,
		})
		s.Require().NoError(err)
		s.Require().NoError(s.service.Activate(ctx, first.Reference, "tester", "scan-1"))

		second, err := s.service.Register(ctx, RegisterRequest{
			Reference: "MND-U2", MemberID: member,
			IBAN: "NL39RABO0300065264", SequenceType: mandate.SequenceRecurring,
		})
		s.Require().NoError(err)

		err = s.service.Activate(ctx, second.Reference, "tester", "scan-2")
		s.True(dErrors.HasCode(err, dErrors.CodeConflict))

		// A one-off for the same member is fine.
		oneOff, err := s.service.Register(ctx, RegisterRequest{
			Reference: "MND-U3", MemberID: member,
			IBAN: "NL69INGB0123456789", SequenceType: mandate.SequenceOneOff,
		})
		s.Require().NoError(err)
		s.NoError(s.service.Activate(ctx, oneOff.Reference, "tester", "scan-3"))
	})
}

func (s *ServiceSuite) TestSuspendResumeCancel() {
	ctx := context.Background()

	s.Run("suspend and resume round trip", func() {
		m := s.register("MND-SUS", mandate.SequenceRecurring)
		s.Require().NoError(s.service.Activate(ctx, m.Reference, "tester", "scan"))

		s.Require().NoError(s.service.Suspend(ctx, m.Reference, "tester", "member request"))
		s.Require().NoError(s.service.Suspend(ctx, m.Reference, "tester", "again")) // idempotent

		got, _ := s.service.Get(ctx, m.Reference)
		s.Equal(mandate.StatusSuspended, got.Status)

		s.Require().NoError(s.service.Resume(ctx, m.Reference, "tester", "resolved"))
		got, _ = s.service.Get(ctx, m.Reference)
		s.Equal(mandate.StatusActive, got.Status)
	})

	s.Run("cancel is terminal and idempotent", func() {
		m := s.register("MND-CXL", mandate.SequenceRecurring)
		s.Require().NoError(s.service.Activate(ctx, m.Reference, "tester", "scan"))
		s.Require().NoError(s.service.Cancel(ctx, m.Reference, "tester", "member left"))
		s.Require().NoError(s.service.Cancel(ctx, m.Reference, "tester", "member left"))

		err := s.service.Resume(ctx, m.Reference, "tester", "oops")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})

	s.Run("draft cannot be cancelled", func() {
		m := s.register("MND-DFT", mandate.SequenceRecurring)
		err := s.service.Cancel(ctx, m.Reference, "tester", "never signed")
		s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
	})

	s.Run("suspend of missing mandate is not found", func() {
		err := s.service.Suspend(ctx, "MND-NONE", "tester", "x")
		s.True(dErrors.HasCode(err, dErrors.CodeNotFound))
	})
}

func (s *ServiceSuite) TestRecordUsage() {
	ctx := context.Background()

	s.Run("first settlement flips FRST to RCUR", func() {
		m := s.register("MND-USE", mandate.SequenceFirst)
		s.Require().NoError(s.service.Activate(ctx, m.Reference, "tester", "scan"))

		updated, err := s.service.RecordUsage(ctx, m.Reference)
		s.Require().NoError(err)
		s.Equal(mandate.SequenceRecurring, updated.SequenceType)
		s.Equal(1, updated.UsageCount)

		updated, err = s.service.RecordUsage(ctx, m.Reference)
		s.Require().NoError(err)
		s.Equal(mandate.SequenceRecurring, updated.SequenceType)
		s.Equal(2, updated.UsageCount)
	})
}

func (s *ServiceSuite) TestConsumeOneOff() {
	ctx := context.Background()

	m := s.register("MND-OOFF", mandate.SequenceOneOff)
	s.Require().NoError(s.service.Activate(ctx, m.Reference, "tester", "scan"))
	s.Require().NoError(s.service.Consume(ctx, m.Reference, "composer"))

	got, err := s.service.Get(ctx, m.Reference)
	s.Require().NoError(err)
	s.Equal(mandate.StatusExpired, got.Status)

	recurring := s.register("MND-NOTOOFF", mandate.SequenceRecurring)
	s.Require().NoError(s.service.Activate(ctx, recurring.Reference, "tester", "scan"))
	err = s.service.Consume(ctx, recurring.Reference, "composer")
	s.True(dErrors.HasCode(err, dErrors.CodeInvalidState))
}

func (s *ServiceSuite) TestExpireLapsed() {
	ctx := context.Background()

	lapsing, err := s.service.Register(ctx, RegisterRequest{
		Reference:    "MND-LAPSE",
		MemberID:     id.MemberID(uuid.New()),
		IBAN:         "NL91ABNA0417164300",
		SequenceType: mandate.SequenceRecurring,
		ValidUntil:   time.Now().AddDate(0, -1, 0),
	})
	s.Require().NoError(err)
	s.Require().NoError(s.service.Activate(ctx, lapsing.Reference, "tester", "scan"))

	openEnded := s.register("MND-OPEN", mandate.SequenceRecurring)
	s.Require().NoError(s.service.Activate(ctx, openEnded.Reference, "tester", "scan"))

	n, err := s.service.ExpireLapsed(ctx, time.Now())
	s.Require().NoError(err)
	s.Equal(1, n)

	got, _ := s.service.Get(ctx, lapsing.Reference)
	s.Equal(mandate.StatusExpired, got.Status)
	got, _ = s.service.Get(ctx, openEnded.Reference)
	s.Equal(mandate.StatusActive, got.Status)
}

func (s *ServiceSuite) TestAuditTrail() {
	ctx := context.Background()

	m := s.register("MND-AUD", mandate.SequenceFirst)
	s.Require().NoError(s.service.Activate(ctx, m.Reference, "tester", "scan"))
	s.Require().NoError(s.service.Suspend(ctx, m.Reference, "tester", "arrears"))

	events, err := s.auditLog.List(ctx, audit.Query{EntityType: audit.EntityMandate, EntityID: "MND-AUD"})
	s.Require().NoError(err)
	s.Require().Len(s.actions(events), 3)
	s.Equal([]audit.Action{
		audit.ActionMandateRegistered,
		audit.ActionMandateActivated,
		audit.ActionMandateSuspended,
	}, s.actions(events))
}

func (s *ServiceSuite) actions(events []audit.Event) []audit.Action {
	out := make([]audit.Action, 0, len(events))
	for _, e := range events {
		out = append(out, e.Action)
	}
	return out
}
