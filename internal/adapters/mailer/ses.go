package mailer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/rs/zerolog"

	"brevpulse/internal/domain"
	"brevpulse/internal/infra/metrics"
)

type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESConfig configures the SES transport. Empty keys fall back to the default AWS credential chain.
type SESConfig struct {
	Region    string
	AccessKey string
	SecretKey string
	FromName  string
	FromEmail string
}

// SES sends HTML mail through Amazon SES v2.
type SES struct {
	client sesAPI
	from   string
	logger zerolog.Logger
}

var _ domain.Mailer = (*SES)(nil)

// NewSES loads the AWS configuration and builds the transport.
func NewSES(ctx context.Context, cfg SESConfig, logger zerolog.Logger) (*SES, error) {
	if cfg.FromEmail == "" {
		return nil, fmt.Errorf("mail from address is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newSES(sesv2.NewFromConfig(awsCfg), cfg.FromName, cfg.FromEmail, logger), nil
}

func newSES(client sesAPI, fromName, fromEmail string, logger zerolog.Logger) *SES {
	from := fromEmail
	if fromName != "" {
		from = fmt.Sprintf("%s <%s>", fromName, fromEmail)
	}
	return &SES{client: client, from: from, logger: logger}
}

// SendMail delivers one message. Transport errors are reported in the result.
func (s *SES) SendMail(ctx context.Context, to, subject, html string) domain.MailResult {
	if strings.TrimSpace(to) == "" {
		return domain.MailResult{Message: "recipient is empty"}
	}
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(s.from),
		Destination:      &types.Destination{ToAddresses: []string{to}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Html: &types.Content{Data: aws.String(html), Charset: aws.String("UTF-8")},
				},
			},
		},
	}

	start := time.Now()
	out, err := s.client.SendEmail(ctx, input)
	metrics.ObserveNetworkRequest("ses", "send_email", "ses", start, err)
	if err != nil {
		metrics.MailSendErrors.Inc()
		s.logger.Warn().Err(err).Str("subject", subject).Msg("mailer: send failed")
		return domain.MailResult{Message: err.Error()}
	}
	id := aws.ToString(out.MessageId)
	s.logger.Debug().Str("message_id", id).Msg("mailer: sent")
	return domain.MailResult{Success: true, Message: "sent", MessageID: id}
}
