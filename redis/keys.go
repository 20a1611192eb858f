package redis

// Redis key naming conventions. All keys are prefixed with "durable:" to
// avoid collisions.

const keyPrefix = "durable:"

// memoryKey returns the hash key for a working memory entry:
// durable:mem:{key}
func memoryKey(key string) string { return keyPrefix + "mem:" + key }

// memoryKeysKey is the Set tracking all working memory keys for enumeration.
const memoryKeysKey = keyPrefix + "mem_keys"

// episodesKey is the Stream holding audit episodes, oldest first.
const episodesKey = keyPrefix + "episodes"
