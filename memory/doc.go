// Package memory provides durable, consent-scoped long-term memory for
// conversational agents, backed by an embedding-indexed vector store.
//
// The memory system stores completed conversation turns, first-person
// self-context facts, and derived entity insights. Records are
// content-addressed so retried writes never duplicate, and every read
// is scoped (guild+channel, or user for DMs) so one scope's private
// data never leaks into another's results.
//
// Architecture:
//   - Store: vector index backend (remote Chroma over REST, or embedded
//     chromem-go for offline/dev use)
//   - Embedder: text-to-vector conversion (ONNX local model, an
//     OpenAI-compatible endpoint, or a deterministic mock for tests)
//   - Service: orchestrates writes, scoped retrieval, the self-context
//     cache, scoped deletion, and the one-shot legacy migration
//
// Failure model: the index is allowed to be down. Every operation
// degrades to empty results rather than failing the caller's request;
// consent filtering is evaluated per record at read time.
package memory
