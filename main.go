package main

import (
	"context"
	"encoding/json"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/outofoffice3/ash/handle"
	"github.com/outofoffice3/ash/internal/awsclientmgr"
	"github.com/outofoffice3/ash/pkg/logger"
)

var (
	configHandler *handle.Handler
	log           *logger.Logger
)

func handler(ctx context.Context, payload json.RawMessage) error {
	event, err := handle.ParseEvent(payload)
	if err != nil {
		log.Errorf("%v", err)
		return err
	}
	log.Debugf("config event [%s] for rule [%s]", event.InvokingEvent, event.ConfigRuleName)

	res, err := configHandler.HandleConfigEvent(ctx, event)
	if err != nil {
		log.Errorf("scan failed: %v", err)
		return err
	}
	log.Infof("report [%s] complete, %d actionable findings", res.Metadata.ReportID, res.Metadata.SummaryStats.Actionable)
	return nil
}

func main() {
	lambda.Start(handler)
}

func init() {
	log = logger.GetLogger(logger.DefaultName, logger.WithLevel(logger.DebugLevel), logger.WithColor(logger.ColorNever))
	log.Infof("main init started")

	settings, err := handle.SettingsFromEnv()
	if err != nil {
		log.Errorf("env vars not set: %v", err)
		panic("env vars not set")
	}
	log.Debugf("config bucket name : [%s]", settings.ConfigBucket)
	log.Debugf("config object key : [%s]", settings.ConfigKey)
	log.Debugf("account id : [%s]", settings.AccountID)

	configHandler = handle.NewHandler(handle.HandlerInitConfig{
		Settings: settings,
		AWS: awsclientmgr.Lazy(awsclientmgr.AWSClientMgrInitConfig{
			AccountId: settings.AccountID,
			Log:       log.Named("aws"),
		}),
		Log: log.Named("handle"),
	})
}
