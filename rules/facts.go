package rules

import "github.com/liamcoop/txscreen/screening"

// Names of the top-level CEL variables.
const (
	TransactionVar = "Transaction"
	CustomerVar    = "Customer"
)

// TransactionFacts is the Transaction object visible to rule expressions.
type TransactionFacts struct {
	ID             string  `json:"ID"`
	Amount         float64 `json:"Amount"`
	Currency       string  `json:"Currency"`
	Country        string  `json:"Country"`
	Suspicious     bool    `json:"Suspicious"`
	SanctionsMatch bool    `json:"SanctionsMatch"`
}

// CustomerFacts is the Customer object visible to rule expressions.
type CustomerFacts struct {
	ID               string  `json:"ID"`
	AccountAgeDays   int     `json:"AccountAgeDays"`
	DeviceTrustScore float64 `json:"DeviceTrustScore"`
	PriorFraud       bool    `json:"PriorFraud"`
}

// Facts is the complete evaluation input for one transaction.
type Facts struct {
	Transaction TransactionFacts `json:"Transaction"`
	Customer    CustomerFacts    `json:"Customer"`
}

// NewFacts projects a transaction and its customer profile into rule facts.
func NewFacts(tx screening.Transaction, p screening.CustomerRiskProfile) Facts {
	return Facts{
		Transaction: TransactionFacts{
			ID:             tx.ID,
			Amount:         tx.Amount.InexactFloat64(),
			Currency:       tx.Currency,
			Country:        tx.DestinationCountry,
			Suspicious:     tx.Suspicious,
			SanctionsMatch: tx.SanctionsMatch,
		},
		Customer: CustomerFacts{
			ID:               p.CustomerID,
			AccountAgeDays:   p.AccountAgeDays,
			DeviceTrustScore: p.DeviceTrustScore,
			PriorFraud:       p.PriorFraud,
		},
	}
}

// Map returns the activation map consumed by Engine.Evaluate.
func (f Facts) Map() map[string]any {
	return map[string]any{
		TransactionVar: map[string]any{
			"ID":             f.Transaction.ID,
			"Amount":         f.Transaction.Amount,
			"Currency":       f.Transaction.Currency,
			"Country":        f.Transaction.Country,
			"Suspicious":     f.Transaction.Suspicious,
			"SanctionsMatch": f.Transaction.SanctionsMatch,
		},
		CustomerVar: map[string]any{
			"ID":               f.Customer.ID,
			"AccountAgeDays":   f.Customer.AccountAgeDays,
			"DeviceTrustScore": f.Customer.DeviceTrustScore,
			"PriorFraud":       f.Customer.PriorFraud,
		},
	}
}
