package main

import (
	"github.com/junctionhq/junction/internal/config"
	"github.com/junctionhq/junction/internal/providers/googledrive"
	"github.com/junctionhq/junction/internal/providers/httpx"
	"github.com/junctionhq/junction/internal/providers/jira"
	"github.com/junctionhq/junction/internal/providers/registry"
	"github.com/junctionhq/junction/internal/providers/salesforce"
	"github.com/junctionhq/junction/internal/providers/slack"
	"github.com/junctionhq/junction/internal/providers/stripe"
	"github.com/junctionhq/junction/internal/providers/webhooksink"
)

func buildProviderRegistry(cfg config.Config) *registry.Registry {
	client := httpx.New(httpx.WithTimeout(cfg.ProviderHTTPTimeout))

	reg := registry.New()
	reg.Register(slack.New(client))
	reg.Register(salesforce.New(client))
	reg.Register(jira.New(client))
	reg.Register(googledrive.New(client))
	reg.Register(stripe.New(client))
	reg.Register(webhooksink.New(client))
	return reg
}
