// Package inbox keeps the local notification list in sync from two sources:
// live deliveries from the push client, and a periodic full fetch that runs
// only while push is unavailable.
package inbox
