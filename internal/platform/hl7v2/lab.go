package hl7v2

import (
	"context"

	"github.com/carepoint/backoffice/pkg/labinterp"
	"github.com/rs/zerolog"
)

// LabAnalyzer interprets the results carried by an ORU^R01 message.
type LabAnalyzer interface {
	AnalyzeLabMessage(ctx context.Context, msg *LabMessage) (*labinterp.Assessment, error)
}

// NewLabHandler returns a MessageHandler that interprets ORU^R01 results
// and acknowledges with AA. Non-ORU messages and extraction or analysis
// failures are acknowledged with AE.
func NewLabHandler(analyzer LabAnalyzer, logger zerolog.Logger) MessageHandler {
	return func(ctx context.Context, msg *Message) *Message {
		log := logger.With().Str("control_id", msg.ControlID).Str("type", msg.Type).Logger()

		lab, err := ExtractLabResults(msg)
		if err != nil {
			log.Warn().Err(err).Msg("hl7v2 message rejected")
			return GenerateACK(msg, AckError, err.Error())
		}

		assessment, err := analyzer.AnalyzeLabMessage(ctx, lab)
		if err != nil {
			log.Error().Err(err).Str("patient_id", lab.PatientID).Msg("hl7v2 lab analysis failed")
			return GenerateACK(msg, AckError, "analysis failed")
		}

		log.Info().
			Str("patient_id", lab.PatientID).
			Int("results", len(lab.Results)).
			Int("risk_score", assessment.RiskScore).
			Int("critical", len(assessment.CriticalValues)).
			Msg("hl7v2 lab results interpreted")
		return GenerateACK(msg, AckAccept, "")
	}
}
