// Package embeddings provides the embedding oracle behind retrieval and
// interaction similarity search.
//
// Three providers are supported: FastEmbed (local ONNX, requires cgo),
// TEI (text-embeddings-inference over HTTP) and any OpenAI-compatible
// embeddings endpoint through langchaingo. All providers of one deployment
// must produce vectors of the same dimension.
package embeddings
