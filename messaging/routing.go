package messaging

import "strings"

// DeriveRoutingKey maps a domain/entity/action triple to its routing key:
// lowercased, dot-joined. The same derivation serves publish-side key
// construction and subscribe-side binding patterns.
func DeriveRoutingKey(domain, entity, action string) string {
	return strings.ToLower(domain + "." + entity + "." + action)
}
