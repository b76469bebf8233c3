package credentials

import (
	"fmt"
	"sync"

	"github.com/jmespath/go-jmespath"
)

// FieldMapping maps credential fields to JMESPath expressions evaluated against the secret.
type FieldMapping map[string]string

var (
	DefaultDatabaseMapping = FieldMapping{
		"dbname":   "dbname",
		"username": "username",
		"password": "password",
		"host":     "host",
		"port":     "port",
	}
	DefaultImportMapping = FieldMapping{
		"access_key_id":     "aws_access_key_id",
		"secret_access_key": "aws_secret_access_key",
		"session_token":     "aws_session_token",
	}
)

var (
	compiled   = map[string]*jmespath.JMESPath{}
	compiledMu sync.RWMutex
)

func compile(expression string) (*jmespath.JMESPath, error) {
	compiledMu.RLock()
	expr, ok := compiled[expression]
	compiledMu.RUnlock()
	if ok {
		return expr, nil
	}

	expr, err := jmespath.Compile(expression)
	if err != nil {
		return nil, err
	}
	compiledMu.Lock()
	compiled[expression] = expr
	compiledMu.Unlock()
	return expr, nil
}

// Extract evaluates every mapped field. Missing or null results are empty strings.
func (m FieldMapping) Extract(secret Secret) (map[string]string, error) {
	data := map[string]any(secret)
	out := make(map[string]string, len(m))
	for field, expression := range m {
		expr, err := compile(expression)
		if err != nil {
			return nil, fmt.Errorf("invalid expression %q for %s: %w", expression, field, err)
		}
		value, err := expr.Search(data)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate %q for %s: %w", expression, field, err)
		}
		switch v := value.(type) {
		case nil:
			out[field] = ""
		case string:
			out[field] = v
		case float64:
			out[field] = fmt.Sprintf("%g", v)
		default:
			out[field] = fmt.Sprintf("%v", v)
		}
	}
	return out, nil
}

// merged overlays override on top of base.
func merged(base, override FieldMapping) FieldMapping {
	out := make(FieldMapping, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

// DatabaseFromSecret decodes connection credentials. override replaces default expressions per field.
func DatabaseFromSecret(secret Secret, override FieldMapping) (*DatabaseCredentials, error) {
	fields, err := merged(DefaultDatabaseMapping, override).Extract(secret)
	if err != nil {
		return nil, err
	}
	creds := &DatabaseCredentials{
		DBName:   fields["dbname"],
		Username: fields["username"],
		Password: fields["password"],
		Host:     fields["host"],
		Port:     fields["port"],
	}
	if creds.Host == "" || creds.Username == "" {
		return nil, fmt.Errorf("database secret is missing host or username")
	}
	if creds.Port == "" {
		creds.Port = "5432"
	}
	return creds, nil
}

// ImportFromSecret decodes the access key pair used by the native bulk import.
func ImportFromSecret(secret Secret, override FieldMapping) (*ImportCredentials, error) {
	fields, err := merged(DefaultImportMapping, override).Extract(secret)
	if err != nil {
		return nil, err
	}
	creds := &ImportCredentials{
		AccessKeyID:     fields["access_key_id"],
		SecretAccessKey: fields["secret_access_key"],
		SessionToken:    fields["session_token"],
	}
	if creds.AccessKeyID == "" || creds.SecretAccessKey == "" {
		return nil, fmt.Errorf("import secret is missing the access key pair")
	}
	return creds, nil
}
