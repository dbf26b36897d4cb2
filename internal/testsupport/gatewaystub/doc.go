// Package gatewaystub hosts a deterministic fake of the content fetch
// gateway for tests. It serves profile, post and media endpoints from
// in-memory fixtures, records every request, and can inject transient
// failures or fixed error statuses per path so retry and error-mapping
// behaviour can be asserted without touching the network.
package gatewaystub
