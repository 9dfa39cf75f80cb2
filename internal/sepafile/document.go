// Package sepafile renders collection batches as pain.008.001.08 customer
// direct debit initiation documents. Generation is pure: it reads the batch
// and its transactions and produces bytes, so distinct batches render in
// parallel safely.
package sepafile

import "encoding/xml"

const namespace = "urn:iso:std:iso:20022:tech:xsd:pain.008.001.08"

// Document is the pain.008.001.08 message root.
type Document struct {
	XMLName xml.Name   `xml:"Document"`
	Xmlns   string     `xml:"xmlns,attr"`
	Initn   Initiation `xml:"CstmrDrctDbtInitn"`
}

type Initiation struct {
	GroupHeader GroupHeader   `xml:"GrpHdr"`
	PaymentInfo []PaymentInfo `xml:"PmtInf"`
}

type GroupHeader struct {
	MessageID       string `xml:"MsgId"`
	CreatedDateTime string `xml:"CreDtTm"`
	TxCount         int    `xml:"NbOfTxs"`
	ControlSum      string `xml:"CtrlSum"`
	InitiatingParty Party  `xml:"InitgPty"`
}

type Party struct {
	Name string `xml:"Nm"`
}

type PaymentInfo struct {
	ID                  string          `xml:"PmtInfId"`
	Method              string          `xml:"PmtMtd"`
	BatchBooking        bool            `xml:"BtchBookg"`
	TxCount             int             `xml:"NbOfTxs"`
	ControlSum          string          `xml:"CtrlSum"`
	PaymentType         PaymentType     `xml:"PmtTpInf"`
	RequestedCollection string          `xml:"ReqdColltnDt"`
	Creditor            Party           `xml:"Cdtr"`
	CreditorAccount     Account         `xml:"CdtrAcct"`
	CreditorAgent       Agent           `xml:"CdtrAgt"`
	ChargeBearer        string          `xml:"ChrgBr"`
	CreditorScheme      CreditorScheme  `xml:"CdtrSchmeId"`
	Transactions        []DirectDebitTx `xml:"DrctDbtTxInf"`
}

type PaymentType struct {
	ServiceLevel    Coded  `xml:"SvcLvl"`
	LocalInstrument Coded  `xml:"LclInstrm"`
	SequenceType    string `xml:"SeqTp"`
}

type Coded struct {
	Code string `xml:"Cd"`
}

type Account struct {
	ID AccountID `xml:"Id"`
}

type AccountID struct {
	IBAN string `xml:"IBAN"`
}

type Agent struct {
	Institution Institution `xml:"FinInstnId"`
}

type Institution struct {
	BIC string `xml:"BICFI"`
}

type CreditorScheme struct {
	ID SchemeID `xml:"Id"`
}

type SchemeID struct {
	PrivateID PrivateID `xml:"PrvtId"`
}

type PrivateID struct {
	Other SchemeOther `xml:"Othr"`
}

type SchemeOther struct {
	ID         string     `xml:"Id"`
	SchemeName SchemeName `xml:"SchmeNm"`
}

type SchemeName struct {
	Proprietary string `xml:"Prtry"`
}

type DirectDebitTx struct {
	PaymentID     PaymentID   `xml:"PmtId"`
	Amount        Amount      `xml:"InstdAmt"`
	DirectDebitTx MandateInfo `xml:"DrctDbtTx"`
	DebtorAgent   Agent       `xml:"DbtrAgt"`
	Debtor        Party       `xml:"Dbtr"`
	DebtorAccount Account     `xml:"DbtrAcct"`
	Remittance    Remittance  `xml:"RmtInf"`
}

type PaymentID struct {
	EndToEndID string `xml:"EndToEndId"`
}

type Amount struct {
	Currency string `xml:"Ccy,attr"`
	Value    string `xml:",chardata"`
}

type MandateInfo struct {
	Related RelatedMandate `xml:"MndtRltdInf"`
}

type RelatedMandate struct {
	MandateID     string `xml:"MndtId"`
	SignatureDate string `xml:"DtOfSgntr"`
}

type Remittance struct {
	Unstructured string `xml:"Ustrd"`
}
