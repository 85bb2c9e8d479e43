// Package redact scrubs credentials and payment details out of inbound
// counterparty messages before they are stored or sent to the oracle.
//
// Findings keep rule IDs and counts for the audit trail; matched values are
// never retained.
package redact
