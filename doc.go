// Package ytmux is the download-and-transcode orchestration core.
//
// An Orchestrator turns a source URL and a quality tier into a finalized
// artifact in the store:
//
//   - low and medium fetch a single stream straight to the artifact name
//   - high fetches video and audio concurrently and muxes them with ffmpeg
//   - audio_only fetches the best audio and re-encodes it to MP3
//
// Artifact names are derived from the sanitized title and the tier, so a
// repeated request is answered from the existing file until the retention
// timer removes it. Every write goes through a temporary file that is renamed
// into place only when the whole pipeline succeeded.
package ytmux
