package services

import (
	"bytes"
	"fmt"
	"time"

	"github.com/hypernova-labs/nfse-service/internal/dps"
	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/jung-kurt/gofpdf"
	"github.com/sirupsen/logrus"
)

// DocumentGenerator gera o resumo local do DANFSe
type DocumentGenerator struct {
	logger *logrus.Logger
	now    func() time.Time
}

// NewDocumentGenerator cria uma nova instância do gerador
func NewDocumentGenerator(logger *logrus.Logger) *DocumentGenerator {
	return &DocumentGenerator{
		logger: logger,
		now:    time.Now,
	}
}

// GenerateSummaryPDF gera um PDF com os dados da emissão registrada.
// Não substitui o DANFSe oficial; serve enquanto o ambiente nacional está fora.
func (d *DocumentGenerator) GenerateSummaryPDF(record *models.EmissionRecord, summary *dps.Summary) ([]byte, error) {
	pdf := gofpdf.New("P", "mm", "A4", "")
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetTextColor(44, 62, 80)
	pdf.SetDrawColor(52, 73, 94)

	// Faixa do cabeçalho
	pdf.SetFillColor(41, 128, 185)
	pdf.Rect(0, 0, 210, 40, "F")

	pdf.SetTextColor(255, 255, 255)
	pdf.SetFont("Arial", "B", 22)
	pdf.Cell(190, 15, "NFS-e")
	pdf.Ln(15)

	pdf.SetFont("Arial", "B", 12)
	pdf.Cell(190, 8, tr("Resumo da Nota Fiscal de Serviço Eletrônica"))
	pdf.Ln(8)

	pdf.SetTextColor(44, 62, 80)
	pdf.SetY(50)

	rows := [][2]string{
		{"Protocolo", record.Protocol},
		{"Chave de acesso", deref(record.AccessKey)},
		{tr("Número da NFS-e"), deref(record.NfseNumber)},
		{tr("Situação"), string(record.Status)},
	}
	if record.ProcessedAt != nil {
		rows = append(rows, [2]string{"Processada em", record.ProcessedAt.Format("02/01/2006 15:04:05")})
	}
	if summary != nil {
		rows = append(rows,
			[2]string{"Prestador (CPF/CNPJ)", summary.ProviderTaxID},
			[2]string{tr("Município"), summary.Municipality},
			[2]string{tr("Competência"), summary.Competence},
			[2]string{tr("Código de tributação"), summary.ServiceCode},
		)
		if summary.LC116Item != "" {
			rows = append(rows, [2]string{"Item LC 116", summary.LC116Item})
		}
	}

	pdf.SetFont("Arial", "", 10)
	for i, row := range rows {
		if i%2 == 0 {
			pdf.SetFillColor(248, 249, 250)
		} else {
			pdf.SetFillColor(255, 255, 255)
		}
		value := row[1]
		if value == "" {
			value = "-"
		}
		pdf.CellFormat(60, 8, row[0], "1", 0, "L", true, 0, "")
		pdf.CellFormat(130, 8, tr(value), "1", 0, "L", true, 0, "")
		pdf.Ln(8)
	}

	pdf.SetY(270)
	pdf.SetTextColor(149, 165, 166)
	pdf.SetFont("Arial", "", 8)
	pdf.Cell(190, 6, tr("Documento auxiliar gerado localmente; consulte o DANFSe oficial no ambiente nacional."))
	pdf.Ln(6)
	pdf.Cell(190, 6, fmt.Sprintf("Gerado em: %s", d.now().Format("02/01/2006 15:04:05")))

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("error generating PDF: %w", err)
	}

	d.logger.WithFields(logrus.Fields{
		"protocolo": record.Protocol,
		"pdf_size":  buf.Len(),
	}).Info("Local DANFSe summary generated")

	return buf.Bytes(), nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
