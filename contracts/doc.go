// Package contracts defines the wire contract shared by every cachesync
// service: event types, the exchanges and inbox queues they travel through,
// and the JSON envelope carrying an entity snapshot.
//
// An envelope on the wire looks like
//
//	{"event":"product.updated","product":{...},"timestamp":"2024-05-01T10:00:00.000Z"}
//
// The top-level key holding the entity ("user", "product" or "order") is the
// domain marker consumers branch on before looking at the event name.
package contracts
