package dps

import (
	"time"

	"github.com/google/uuid"
)

// Namespace é o namespace padrão do leiaute nacional da DPS
const Namespace = "http://www.sped.fazenda.gov.br/nfse"

// Versao é a versão do leiaute emitido pelo builder
const Versao = "1.00"

// IDPrefix é o prefixo do Id do elemento assinável
const IDPrefix = "DPS-"

// DocumentFactory fornece identidade e relógio para a montagem de uma DPS.
// Cada tentativa de envio pede um novo Id e um novo instante.
type DocumentFactory interface {
	NewID() string
	Now() time.Time
}

// DefaultFactory gera Ids com UUID v4 e usa o relógio do sistema
type DefaultFactory struct{}

// NewID gera um novo Id no formato DPS-<uuid>
func (DefaultFactory) NewID() string {
	return IDPrefix + uuid.NewString()
}

// Now retorna o instante atual em UTC
func (DefaultFactory) Now() time.Time {
	return time.Now().UTC()
}

// FormatTimestamp formata o instante de emissão no padrão ISO com milissegundos
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

