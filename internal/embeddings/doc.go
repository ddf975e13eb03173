// Package embeddings turns trigger and message text into vectors.
//
// Providers: FastEmbed (local ONNX, cgo builds only), TEI over HTTP, and any
// OpenAI-compatible endpoint through langchaingo. CachedEmbedder memoizes
// provider calls in a memory tier and an optional shared redis tier. The cache
// is never authoritative and is safe to lose.
package embeddings
