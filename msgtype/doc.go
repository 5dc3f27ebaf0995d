// Package msgtype resolves interface type identifiers such as
// "std_msgs/msg/String", "std_srvs/srv/Trigger" or
// "example_interfaces/action/Fibonacci" into field layouts the codec can use.
//
// Definitions are plain interface definition text. A Registry is filled at
// startup from the embedded builtin set and from YAML files named in the
// configuration; nothing is discovered at runtime. A Resolver parses the
// identifier, resolves nested message references (rejecting cycles) and caches
// the resulting Descriptor in an LRU so repeat lookups cost one map hit.
//
// Every failure wraps errors.ErrResolution.
package msgtype
