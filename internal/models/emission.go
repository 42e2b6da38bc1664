package models

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
)

// EmissionStatus representa o estado de uma NFS-e no ambiente nacional
type EmissionStatus string

const (
	EmissionStatusQueued     EmissionStatus = "EM_FILA"
	EmissionStatusAuthorized EmissionStatus = "AUTORIZADA"
	EmissionStatusRejected   EmissionStatus = "REJEITADA"
	EmissionStatusCancelled  EmissionStatus = "CANCELADA"
	EmissionStatusError      EmissionStatus = "ERRO"
)

// IsTerminal indica se o status não muda mais por polling
func (s EmissionStatus) IsTerminal() bool {
	switch s {
	case EmissionStatusAuthorized, EmissionStatusRejected, EmissionStatusCancelled, EmissionStatusError:
		return true
	}
	return false
}

// StatusFromSituacao traduz a situação retornada pelo ambiente nacional.
// Uma chave de acesso presente sempre significa autorização.
func StatusFromSituacao(situacao, accessKey string) EmissionStatus {
	if accessKey != "" {
		return EmissionStatusAuthorized
	}
	s := strings.ToUpper(situacao)
	switch {
	case strings.Contains(s, "AUTORIZ"), strings.Contains(s, "EMITIDA"):
		return EmissionStatusAuthorized
	case strings.Contains(s, "REJEIT"):
		return EmissionStatusRejected
	case strings.Contains(s, "CANCEL"):
		return EmissionStatusCancelled
	case strings.Contains(s, "ERRO"):
		return EmissionStatusError
	default:
		return EmissionStatusQueued
	}
}

// EmissionRecord representa o registro persistido de uma emissão
type EmissionRecord struct {
	ID             uuid.UUID       `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	Protocol       string          `json:"protocolo" db:"protocolo"`
	AccessKey      *string         `json:"chave_acesso,omitempty" db:"chave_acesso"`
	NfseNumber     *string         `json:"numero_nfse,omitempty" db:"numero_nfse"`
	Status         EmissionStatus  `json:"status" db:"status"`
	Situacao       string          `json:"situacao" db:"situacao"`
	XMLHash        string          `json:"xml_hash" db:"xml_hash"`
	Response       json.RawMessage `json:"resposta,omitempty" db:"resposta"`
	RecipientEmail *string         `json:"recipient_email,omitempty" db:"recipient_email"`
	DocumentPath   *string         `json:"document_path,omitempty" db:"document_path"`
	DocumentSize   *int64          `json:"document_size,omitempty" db:"document_size"`
	ProcessedAt    *time.Time      `json:"processed_at,omitempty" db:"processed_at"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// EmissionHistoryEntry representa uma atualização de status registrada
type EmissionHistoryEntry struct {
	ID         int64           `json:"id" db:"id"`
	EmissionID uuid.UUID       `json:"emission_id" db:"emission_id"`
	Status     EmissionStatus  `json:"status" db:"status"`
	Situacao   string          `json:"situacao" db:"situacao"`
	Payload    json.RawMessage `json:"payload,omitempty" db:"payload"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}

// StatusUpdate representa o resultado de uma consulta de status
type StatusUpdate struct {
	Status      EmissionStatus
	Situacao    string
	AccessKey   string
	NfseNumber  string
	ProcessedAt *time.Time
	Payload     json.RawMessage
}

// EmissionEvent representa um evento do ciclo de vida de uma emissão
type EmissionEvent struct {
	EmissionID uuid.UUID      `json:"emission_id"`
	UserID     string         `json:"user_id"`
	Protocol   string         `json:"protocolo"`
	AccessKey  string         `json:"chave_acesso,omitempty"`
	Status     EmissionStatus `json:"status"`
	OccurredAt time.Time      `json:"occurred_at"`
}
