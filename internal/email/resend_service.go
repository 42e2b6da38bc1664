package email

import (
	"bytes"
	"context"
	"fmt"
	"html/template"

	"github.com/hypernova-labs/nfse-service/internal/models"
	"github.com/resend/resend-go/v2"
	"github.com/sirupsen/logrus"
)

var authorizedTemplate = template.Must(template.New("authorized").Parse(`<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>NFS-e autorizada</title>
    <style>
        body { font-family: Arial, sans-serif; line-height: 1.6; color: #333; }
        .container { max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { background-color: #f8f9fa; padding: 20px; text-align: center; border-radius: 8px; }
        .button { display: inline-block; padding: 12px 24px; background-color: #007bff; color: white; text-decoration: none; border-radius: 5px; }
        .footer { margin-top: 30px; font-size: 14px; color: #666; }
    </style>
</head>
<body>
    <div class="container">
        <div class="header">
            <h1>Nota Fiscal de Serviço autorizada</h1>
            {{if .NfseNumber}}<p>Número: {{.NfseNumber}}</p>{{end}}
        </div>
        <p>Uma NFS-e foi emitida para você.</p>
        <ul>
            <li><strong>Chave de acesso:</strong> {{.AccessKey}}</li>
            <li><strong>Protocolo:</strong> {{.Protocol}}</li>
        </ul>
        <p style="text-align: center;">
            <a class="button" href="{{.DownloadURL}}">Baixar DANFSe</a>
        </p>
        <div class="footer">
            <p>Este é um e-mail automático. Não responda.</p>
        </div>
    </div>
</body>
</html>`))

// Sender abstrai o envio pela API do Resend
type Sender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

// ResendService envia os avisos de emissão ao tomador
type ResendService struct {
	sender    Sender
	fromEmail string
	baseURL   string
	logger    *logrus.Logger
}

// NewResendService cria o serviço com o cliente do Resend
func NewResendService(apiKey, from, baseURL string, logger *logrus.Logger) *ResendService {
	return NewResendServiceWithSender(resend.NewClient(apiKey).Emails, from, baseURL, logger)
}

// NewResendServiceWithSender cria o serviço com um remetente customizado
func NewResendServiceWithSender(sender Sender, from, baseURL string, logger *logrus.Logger) *ResendService {
	return &ResendService{
		sender:    sender,
		fromEmail: from,
		baseURL:   baseURL,
		logger:    logger,
	}
}

// SendAuthorized avisa o tomador de que a NFS-e foi autorizada
func (s *ResendService) SendAuthorized(ctx context.Context, to string, result *models.EmitResult) error {
	if to == "" {
		return nil
	}

	var body bytes.Buffer
	err := authorizedTemplate.Execute(&body, map[string]string{
		"NfseNumber":  result.NfseNumber,
		"AccessKey":   result.AccessKey,
		"Protocol":    result.Protocol,
		"DownloadURL": fmt.Sprintf("%s/v1/nfse/%s/danfse", s.baseURL, result.AccessKey),
	})
	if err != nil {
		return fmt.Errorf("error rendering email: %w", err)
	}

	subject := "NFS-e autorizada"
	if result.NfseNumber != "" {
		subject = fmt.Sprintf("NFS-e nº %s autorizada", result.NfseNumber)
	}

	sent, err := s.sender.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    s.fromEmail,
		To:      []string{to},
		Subject: subject,
		Html:    body.String(),
	})
	if err != nil {
		return fmt.Errorf("error sending email via Resend: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"email_id":   sent.Id,
		"access_key": result.AccessKey,
	}).Info("Authorization notice sent")
	return nil
}
