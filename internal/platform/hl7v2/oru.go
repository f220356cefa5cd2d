package hl7v2

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/carepoint/backoffice/pkg/labinterp"
)

// ErrUnsupportedMessage is returned when a message is not an ORU^R01
// observation result.
var ErrUnsupportedMessage = errors.New("hl7v2: unsupported message type")

// LabMessage is the lab-relevant content of an ORU^R01 message.
type LabMessage struct {
	ControlID        string                  `json:"controlId"`
	PatientID        string                  `json:"patientId"`
	OrderingProvider string                  `json:"orderingProvider,omitempty"`
	TestName         string                  `json:"testName,omitempty"`
	Patient          labinterp.Patient       `json:"patient"`
	Results          []labinterp.ResultInput `json:"results"`
}

// ExtractLabResults reads patient context and OBX observations from an
// ORU^R01 message.
func ExtractLabResults(msg *Message) (*LabMessage, error) {
	return extractLabResults(msg, time.Now())
}

func extractLabResults(msg *Message, now time.Time) (*LabMessage, error) {
	if msg == nil {
		return nil, fmt.Errorf("hl7v2: nil message")
	}
	if msg.MessageCode() != "ORU" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMessage, msg.Type)
	}
	if trigger := msg.TriggerEvent(); trigger != "" && trigger != "R01" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedMessage, msg.Type)
	}

	lab := &LabMessage{
		ControlID: msg.ControlID,
		PatientID: msg.PatientID(),
		Patient: labinterp.Patient{
			Age:    ageOn(msg.DateOfBirth(), now),
			Gender: mapGender(msg.Gender()),
		},
		Results: []labinterp.ResultInput{},
	}

	if obr := msg.GetSegment("OBR"); obr != nil {
		lab.TestName = firstNonEmpty(obr.GetComponent(4, 2), obr.GetComponent(4, 1))
		lab.OrderingProvider = obr.GetComponent(16, 1)
	}

	for _, obx := range msg.GetSegments("OBX") {
		param := firstNonEmpty(obx.GetComponent(3, 2), obx.GetComponent(3, 1))
		if param == "" {
			continue
		}
		lab.Results = append(lab.Results, labinterp.ResultInput{
			Parameter:      param,
			Value:          obx.GetField(5),
			Unit:           obx.GetComponent(6, 1),
			ReferenceRange: ParseReferenceRange(obx.GetField(7)),
		})
	}
	return lab, nil
}

// ParseReferenceRange converts an OBX-7 reference range into a normal
// range. "70-99" and "<200" (lower bound 0) are understood; anything else,
// including open upper bounds like ">40", yields nil.
func ParseReferenceRange(s string) *labinterp.ReferenceRange {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if rest, ok := strings.CutPrefix(s, "<"); ok {
		rest = strings.TrimPrefix(rest, "=")
		hi, err := strconv.ParseFloat(strings.TrimSpace(rest), 64)
		if err != nil {
			return nil
		}
		return &labinterp.ReferenceRange{Normal: &labinterp.Range{Min: 0, Max: hi}}
	}

	// Skip a leading sign so "-5-5" splits on the separator, not the sign.
	idx := strings.Index(s[1:], "-")
	if idx < 0 {
		return nil
	}
	idx++
	lo, err := strconv.ParseFloat(strings.TrimSpace(s[:idx]), 64)
	if err != nil {
		return nil
	}
	hi, err := strconv.ParseFloat(strings.TrimSpace(s[idx+1:]), 64)
	if err != nil || hi < lo {
		return nil
	}
	return &labinterp.ReferenceRange{Normal: &labinterp.Range{Min: lo, Max: hi}}
}

func mapGender(code string) string {
	switch strings.ToUpper(strings.TrimSpace(code)) {
	case "M":
		return "male"
	case "F":
		return "female"
	}
	return ""
}

// ageOn returns completed years between an HL7 birth date and now, or nil
// when the date is missing, unparseable or in the future.
func ageOn(dob string, now time.Time) *float64 {
	born, err := parseHL7Timestamp(dob)
	if err != nil || born.After(now) {
		return nil
	}
	years := now.Year() - born.Year()
	if now.Month() < born.Month() || (now.Month() == born.Month() && now.Day() < born.Day()) {
		years--
	}
	age := float64(years)
	return &age
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
