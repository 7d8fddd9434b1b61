package objectstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// DataFileExt is the extension of Parquet data files in the store.
const DataFileExt = ".parquet"

// DataFileKey builds the object key for a data file:
//
//	<tableID>/<partitionID>/<objectID>.parquet
//
// Every file written by the compactor gets a fresh objectID, so a key is
// never reused even when the same partition is compacted repeatedly.
func DataFileKey(tableID, partitionID int64, objectID uuid.UUID) string {
	return fmt.Sprintf("%d/%d/%s%s", tableID, partitionID, objectID, DataFileExt)
}

// PartitionPrefix returns the key prefix holding all data files of a
// partition, with a trailing slash for use with List.
func PartitionPrefix(tableID, partitionID int64) string {
	return fmt.Sprintf("%d/%d/", tableID, partitionID)
}

// ParseDataFileKey splits a data file key into its components. It accepts
// both bucket-relative keys and s3:// paths.
func ParseDataFileKey(key string) (tableID, partitionID int64, objectID uuid.UUID, err error) {
	key = NormalizeKey(key)
	parts := strings.Split(key, "/")
	if len(parts) != 3 {
		return 0, 0, uuid.Nil, fmt.Errorf("malformed data file key %q", key)
	}
	tableID, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return 0, 0, uuid.Nil, fmt.Errorf("malformed table id in key %q: %w", key, err)
	}
	partitionID, err = strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return 0, 0, uuid.Nil, fmt.Errorf("malformed partition id in key %q: %w", key, err)
	}
	name, ok := strings.CutSuffix(parts[2], DataFileExt)
	if !ok {
		return 0, 0, uuid.Nil, fmt.Errorf("data file key %q does not end in %s", key, DataFileExt)
	}
	objectID, err = uuid.Parse(name)
	if err != nil {
		return 0, 0, uuid.Nil, fmt.Errorf("malformed object id in key %q: %w", key, err)
	}
	return tableID, partitionID, objectID, nil
}

// NormalizeKey strips an s3://bucket/ prefix to return a bucket-relative key.
// Non-S3 paths are returned unchanged.
func NormalizeKey(path string) string {
	if strings.HasPrefix(path, "s3://") {
		trimmed := strings.TrimPrefix(path, "s3://")
		parts := strings.SplitN(trimmed, "/", 2)
		if len(parts) == 2 {
			return parts[1]
		}
	}
	return path
}
