package domain

import "time"

// OAuthToken is a bearer token from the client-credentials grant.
type OAuthToken struct {
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"` // seconds
}

// AppRegistration is an Azure AD application created for a bot. ClientSecret
// is only available at creation time and is never persisted.
type AppRegistration struct {
	AppID        string `json:"appId"`
	ObjectID     string `json:"objectId"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// BotRecord is a provisioned bot as recorded in the local ledger.
type BotRecord struct {
	ID           int64     `json:"id"`
	BotName      string    `json:"botName"`
	ResourceName string    `json:"resourceName"`
	AppID        string    `json:"msaAppId"`
	ObjectID     string    `json:"objectId"`
	ResourceID   string    `json:"resourceId,omitempty"`
	Endpoint     string    `json:"endpoint"`
	CreatedAt    time.Time `json:"createdAt"`
}
