package customer

import (
	"fmt"

	"github.com/liamcoop/txscreen/screening"
	"github.com/spf13/viper"
)

// fileProfile is one entry of a profiles file. Profiles are a list rather
// than a map because viper folds map keys to lower case.
type fileProfile struct {
	TransactionID    string  `mapstructure:"transaction_id"`
	CustomerID       string  `mapstructure:"customer_id"`
	AccountAgeDays   int     `mapstructure:"account_age_days"`
	DeviceTrustScore float64 `mapstructure:"device_trust_score"`
	PriorFraud       bool    `mapstructure:"past_fraud"`
}

// LoadStaticFile reads a YAML or JSON file of the form
//
//	profiles:
//	  - transaction_id: TX-1
//	    customer_id: C-100
//	    account_age_days: 400
//	    device_trust_score: 0.9
//	    past_fraud: false
//
// into a StaticSource. Every profile is range-checked at load time.
func LoadStaticFile(path string) (*StaticSource, error) {
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read customer profiles: %w", err)
	}

	var entries []fileProfile
	if err := v.UnmarshalKey("profiles", &entries); err != nil {
		return nil, fmt.Errorf("failed to decode customer profiles: %w", err)
	}

	src := NewStaticSource(nil)
	for i, e := range entries {
		if e.TransactionID == "" {
			return nil, fmt.Errorf("profile %d: transaction_id is required", i)
		}
		p := screening.CustomerRiskProfile{
			CustomerID:       e.CustomerID,
			AccountAgeDays:   e.AccountAgeDays,
			DeviceTrustScore: e.DeviceTrustScore,
			PriorFraud:       e.PriorFraud,
		}
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("profile for %s: %w", e.TransactionID, err)
		}
		src.Put(e.TransactionID, p)
	}
	return src, nil
}
