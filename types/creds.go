package types

import (
	"fmt"
	"strings"
)

// StoreCredentials is the credential bag for one named data store, shaped for
// handing to external S3 clients (e.g. an Arrow filesystem in the user
// function).
type StoreCredentials struct {
	Bucket    string `json:"bucket"`
	Region    string `json:"region"`
	Endpoint  string `json:"endpoint"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
	Anonymous bool   `json:"anonymous"`
}

// Credentials resolves the named data store to its credential bag. An empty
// name selects DefaultDataStore. Anonymous stores return no keys.
func (w *Workflow) Credentials(storeName string) (StoreCredentials, error) {
	if storeName == "" {
		storeName = w.DefaultDataStore
	}
	ds, ok := w.DataStores[storeName]
	if !ok {
		return StoreCredentials{}, fmt.Errorf("credentials: unknown data store %q", storeName)
	}

	creds := StoreCredentials{
		Bucket:    ds.Bucket,
		Region:    ds.Region,
		Endpoint:  ds.Endpoint,
		Anonymous: ds.IsAnonymous(),
	}
	if !creds.Anonymous {
		creds.AccessKey = ds.AccessKey
		creds.SecretKey = ds.SecretKey
	}
	return creds, nil
}

// IsAnonymous parses the Anonymous field: the literal "true", in any case,
// enables anonymous access; anything else, including empty, disables it.
func (ds *DataStore) IsAnonymous() bool {
	return strings.EqualFold(strings.TrimSpace(ds.Anonymous), "true")
}
