// Package types defines the core data types used throughout the storage system.
//
// Key types:
//   - Sample: a single stored value of one point
//   - DataValue: tagged union of binary, multistate, numeric and text values
//   - Point: point metadata (identity and data type)
//   - TimeOrder: ascending or descending delivery order
package types
